package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pluriform/internal/centroid"
	"pluriform/internal/config"
	"pluriform/internal/core"
)

// PostgresStore implements EventRepository for PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection pool and ensures the
// schema exists.
func NewPostgresStore(cfg config.Database) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if lifetime, err := time.ParseDuration(cfg.ConnLifetime); err == nil {
		db.SetConnMaxLifetime(lifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	statements := []string{
		// The articles table is written by the enrichment pipeline; the
		// engine only reads it, but creates it for self-contained setups.
		`CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			source_name TEXT NOT NULL DEFAULT '',
			spectrum TEXT NOT NULL DEFAULT '',
			media_type TEXT NOT NULL DEFAULT '',
			published_at TIMESTAMPTZ,
			fetched_at TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL DEFAULT 'other',
			embedding DOUBLE PRECISION[],
			tfidf JSONB,
			entities JSONB,
			locations TEXT[],
			dates TEXT[]
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT 'other',
			centroid DOUBLE PRECISION[],
			centroid_tfidf JSONB,
			entities JSONB,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_updated_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ,
			article_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS event_articles (
			event_id TEXT NOT NULL REFERENCES events (id),
			article_id TEXT NOT NULL REFERENCES articles (id),
			similarity DOUBLE PRECISION NOT NULL,
			breakdown JSONB,
			linked_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (event_id, article_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_active ON events (last_updated_at) WHERE archived_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_event_articles_article ON event_articles (article_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

const articleColumns = `id, title, content, summary, source_name, spectrum, media_type,
	published_at, fetched_at, event_type, embedding, tfidf, entities, locations, dates`

// articleRow buffers the raw column values of one article row.
type articleRow struct {
	a           core.Article
	publishedAt sql.NullTime
	eventType   string
	embedding   pq.Float64Array
	tfidfJSON   []byte
	entityJSON  []byte
	locations   pq.StringArray
	dates       pq.StringArray
}

func (r *articleRow) dest() []any {
	return []any{&r.a.ID, &r.a.Title, &r.a.Content, &r.a.Summary, &r.a.SourceName,
		&r.a.Spectrum, &r.a.MediaType, &r.publishedAt, &r.a.FetchedAt, &r.eventType,
		&r.embedding, &r.tfidfJSON, &r.entityJSON, &r.locations, &r.dates}
}

func (r *articleRow) toArticle() (*core.Article, error) {
	a := r.a
	if r.publishedAt.Valid {
		t := r.publishedAt.Time
		a.PublishedAt = &t
	}
	a.EventType = core.ParseEventType(r.eventType)
	a.Embedding = r.embedding
	a.Locations = r.locations
	a.Dates = r.dates
	if len(r.tfidfJSON) > 0 {
		if err := json.Unmarshal(r.tfidfJSON, &a.TFIDF); err != nil {
			return nil, fmt.Errorf("failed to decode article tfidf: %w", err)
		}
	}
	if len(r.entityJSON) > 0 {
		if err := json.Unmarshal(r.entityJSON, &a.Entities); err != nil {
			return nil, fmt.Errorf("failed to decode article entities: %w", err)
		}
	}
	return &a, nil
}

func scanArticle(row interface{ Scan(...any) error }) (*core.Article, error) {
	var r articleRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.toArticle()
}

func scanArticleWithEventID(row interface{ Scan(...any) error }, eventID *string) (*core.Article, error) {
	var r articleRow
	if err := row.Scan(append([]any{eventID}, r.dest()...)...); err != nil {
		return nil, err
	}
	return r.toArticle()
}

// GetArticle retrieves one article by id.
func (s *PostgresStore) GetArticle(ctx context.Context, id string) (*core.Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	article, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, ErrArticleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load article %s: %w", id, err)
	}
	return article, nil
}

// ListUnassigned retrieves embedded articles without any event link.
func (s *PostgresStore) ListUnassigned(ctx context.Context, limit int) ([]core.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		WHERE a.embedding IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM event_articles ea WHERE ea.article_id = a.id)
		ORDER BY a.fetched_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned articles: %w", err)
	}
	defer rows.Close()

	var articles []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

const eventColumns = `id, slug, title, description, event_type, centroid, centroid_tfidf,
	entities, first_seen_at, last_updated_at, archived_at, article_count`

func scanEvent(row interface{ Scan(...any) error }) (*core.Event, error) {
	var (
		e          core.Event
		eventType  string
		embedding  pq.Float64Array
		tfidfJSON  []byte
		entityJSON []byte
		archivedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Slug, &e.Title, &e.Description, &eventType, &embedding,
		&tfidfJSON, &entityJSON, &e.FirstSeenAt, &e.LastUpdatedAt, &archivedAt, &e.ArticleCount)
	if err != nil {
		return nil, err
	}

	e.EventType = core.ParseEventType(eventType)
	e.Centroid = embedding
	if archivedAt.Valid {
		t := archivedAt.Time
		e.ArchivedAt = &t
	}
	if len(tfidfJSON) > 0 {
		if err := json.Unmarshal(tfidfJSON, &e.CentroidTFIDF); err != nil {
			return nil, fmt.Errorf("failed to decode event tfidf: %w", err)
		}
	}
	if len(entityJSON) > 0 {
		if err := json.Unmarshal(entityJSON, &e.Entities); err != nil {
			return nil, fmt.Errorf("failed to decode event entities: %w", err)
		}
	}
	return &e, nil
}

// GetEventsByIDs returns the non-archived events among ids, in no
// particular order.
func (s *PostgresStore) GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = ANY($1) AND archived_at IS NULL`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// GetMemberArticles returns the member articles of one event.
func (s *PostgresStore) GetMemberArticles(ctx context.Context, eventID string) ([]core.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("a.", articleColumns)+`
		FROM event_articles ea
		JOIN articles a ON a.id = ea.article_id
		WHERE ea.event_id = $1
		ORDER BY ea.linked_at ASC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member articles: %w", err)
	}
	defer rows.Close()

	var articles []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member article: %w", err)
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}

// FetchIndexSnapshots returns every non-archived event with a non-null
// centroid as the vector index consumes them.
func (s *PostgresStore) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, centroid, last_updated_at
		FROM events
		WHERE archived_at IS NULL AND centroid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []core.CentroidSnapshot
	for rows.Next() {
		var (
			snap      core.CentroidSnapshot
			embedding pq.Float64Array
		)
		if err := rows.Scan(&snap.EventID, &embedding, &snap.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Centroid = embedding
		if len(snap.Centroid) == 0 {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// LoadActiveEventsWithArticles returns each active event with its members.
func (s *PostgresStore) LoadActiveEventsWithArticles(ctx context.Context) ([]EventWithArticles, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE archived_at IS NULL
		ORDER BY first_seen_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load active events: %w", err)
	}
	defer rows.Close()

	var out []EventWithArticles
	index := make(map[string]int)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		index[e.ID] = len(out)
		out = append(out, EventWithArticles{Event: *e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := s.db.QueryContext(ctx, `
		SELECT ea.event_id, `+prefixColumns("a.", articleColumns)+`
		FROM event_articles ea
		JOIN articles a ON a.id = ea.article_id
		JOIN events e ON e.id = ea.event_id
		WHERE e.archived_at IS NULL
		ORDER BY ea.linked_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load event members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var eventID string
		a, err := scanArticleWithEventID(memberRows, &eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event member: %w", err)
		}
		if i, ok := index[eventID]; ok {
			out[i].Articles = append(out[i].Articles, *a)
		}
	}
	return out, memberRows.Err()
}

// CreateEventSkeleton allocates a new event seeded from an article.
func (s *PostgresStore) CreateEventSkeleton(ctx context.Context, seed *core.Article, now time.Time) (*core.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	slug, err := allocateSlug(ctx, tx, seed.Title)
	if err != nil {
		return nil, err
	}

	event := &core.Event{
		ID:            uuid.NewString(),
		Slug:          slug,
		Title:         seed.Title,
		Description:   seedDescription(seed),
		EventType:     seed.EventType,
		Centroid:      append([]float64(nil), seed.Embedding...),
		CentroidTFIDF: seed.TFIDF,
		Entities:      centroid.MergeEntities(nil, seed.Entities),
		FirstSeenAt:   seed.ReferenceTime(),
		LastUpdatedAt: seed.ReferenceTime(),
		ArticleCount:  0,
	}

	tfidfJSON, entityJSON, err := encodeEventJSON(event)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, slug, title, description, event_type, centroid,
			centroid_tfidf, entities, first_seen_at, last_updated_at, article_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)`,
		event.ID, event.Slug, event.Title, event.Description, string(event.EventType),
		pq.Array(event.Centroid), tfidfJSON, entityJSON, event.FirstSeenAt, event.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event creation: %w", err)
	}
	return event, nil
}

// AppendArticleToEvent links an article to an event and folds it into the
// centroids, all in one transaction. Re-appending returns the existing link.
func (s *PostgresStore) AppendArticleToEvent(ctx context.Context, event *core.Event, article *core.Article, similarity float64, breakdown core.ScoreBreakdown, now time.Time) (*core.EventArticleLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, event.ID)
	current, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lock event %s: %w", event.ID, err)
	}
	if current.Archived() {
		return nil, ErrEventArchived
	}

	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}

	linkedAt := now
	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_articles (event_id, article_id, similarity, breakdown, linked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, article_id) DO NOTHING`,
		event.ID, article.ID, similarity, breakdownJSON, linkedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert link: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if inserted == 0 {
		// The pair already exists; assignment is idempotent.
		existing, err := loadLink(ctx, tx, event.ID, article.ID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		*event = *current
		return existing, nil
	}

	n := current.ArticleCount
	current.Centroid = centroid.IncrementalMean(current.Centroid, n, article.Embedding)
	current.CentroidTFIDF = centroid.IncrementalSparseMean(current.CentroidTFIDF, n, article.TFIDF)
	current.Entities = centroid.MergeEntities(current.Entities, article.Entities)
	current.ArticleCount = n + 1
	if ref := article.ReferenceTime(); ref.After(current.LastUpdatedAt) {
		current.LastUpdatedAt = ref
	}

	tfidfJSON, entityJSON, err := encodeEventJSON(current)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE events
		SET centroid = $2, centroid_tfidf = $3, entities = $4,
		    article_count = $5, last_updated_at = $6
		WHERE id = $1`,
		current.ID, pq.Array(current.Centroid), tfidfJSON, entityJSON,
		current.ArticleCount, current.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update event aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit link: %w", err)
	}

	*event = *current
	return &core.EventArticleLink{
		EventID:    event.ID,
		ArticleID:  article.ID,
		Similarity: similarity,
		Breakdown:  breakdown,
		LinkedAt:   linkedAt,
	}, nil
}

// ArchiveEvents soft-deletes events not already archived.
func (s *PostgresStore) ArchiveEvents(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET archived_at = $2
		WHERE id = ANY($1) AND archived_at IS NULL`, pq.Array(ids), now)
	if err != nil {
		return 0, fmt.Errorf("failed to archive events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// CommitMaintenance applies recomputed aggregates and archivals in one
// transaction.
func (s *PostgresStore) CommitMaintenance(ctx context.Context, updates []EventUpdate, archiveIDs []string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, u := range updates {
		tfidfJSON, err := json.Marshal(u.CentroidTFIDF)
		if err != nil {
			return 0, fmt.Errorf("failed to encode tfidf for %s: %w", u.EventID, err)
		}
		entityJSON, err := json.Marshal(u.Entities)
		if err != nil {
			return 0, fmt.Errorf("failed to encode entities for %s: %w", u.EventID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE events
			SET centroid = $2, centroid_tfidf = $3, entities = $4,
			    article_count = $5, first_seen_at = $6, last_updated_at = $7
			WHERE id = $1 AND archived_at IS NULL`,
			u.EventID, pq.Array(u.Centroid), tfidfJSON, entityJSON,
			u.ArticleCount, u.FirstSeenAt, u.LastUpdatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to update event %s: %w", u.EventID, err)
		}
	}

	archived := 0
	if len(archiveIDs) > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE events SET archived_at = $2
			WHERE id = ANY($1) AND archived_at IS NULL`, pq.Array(archiveIDs), now)
		if err != nil {
			return 0, fmt.Errorf("failed to archive events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		archived = int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit maintenance: %w", err)
	}
	return archived, nil
}

func loadLink(ctx context.Context, tx *sql.Tx, eventID, articleID string) (*core.EventArticleLink, error) {
	var (
		link          core.EventArticleLink
		breakdownJSON []byte
	)
	err := tx.QueryRowContext(ctx, `
		SELECT event_id, article_id, similarity, breakdown, linked_at
		FROM event_articles WHERE event_id = $1 AND article_id = $2`,
		eventID, articleID).
		Scan(&link.EventID, &link.ArticleID, &link.Similarity, &breakdownJSON, &link.LinkedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing link: %w", err)
	}
	if len(breakdownJSON) > 0 {
		if err := json.Unmarshal(breakdownJSON, &link.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to decode breakdown: %w", err)
		}
	}
	return &link, nil
}

func encodeEventJSON(e *core.Event) (tfidf, entities []byte, err error) {
	tfidf, err = json.Marshal(e.CentroidTFIDF)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode centroid tfidf: %w", err)
	}
	entities, err = json.Marshal(e.Entities)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode entities: %w", err)
	}
	return tfidf, entities, nil
}

func seedDescription(seed *core.Article) string {
	if seed.Summary != "" {
		return seed.Summary
	}
	const maxLen = 300
	return truncateBytes(seed.Content, maxLen)
}
