package assign

import (
	"context"
	"fmt"
	"sort"
	"time"

	"pluriform/internal/arbiter"
	"pluriform/internal/centroid"
	"pluriform/internal/core"
	"pluriform/internal/persistence"
	"pluriform/internal/scoring"
	"pluriform/internal/vectorindex"
)

// fakeRepo is an in-memory EventRepository mirroring the transactional
// semantics of the Postgres implementation.
type fakeRepo struct {
	articles    map[string]*core.Article
	events      map[string]*core.Event
	links       map[string]map[string]*core.EventArticleLink // event -> article -> link
	memberOrder map[string][]string
	slugs       map[string]bool
	seq         int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		articles:    make(map[string]*core.Article),
		events:      make(map[string]*core.Event),
		links:       make(map[string]map[string]*core.EventArticleLink),
		memberOrder: make(map[string][]string),
		slugs:       make(map[string]bool),
	}
}

func (r *fakeRepo) addArticle(a core.Article) {
	copied := a
	r.articles[a.ID] = &copied
}

func (r *fakeRepo) GetArticle(ctx context.Context, id string) (*core.Article, error) {
	a, ok := r.articles[id]
	if !ok {
		return nil, persistence.ErrArticleNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *fakeRepo) ListUnassigned(ctx context.Context, limit int) ([]core.Article, error) {
	assigned := make(map[string]bool)
	for _, byArticle := range r.links {
		for id := range byArticle {
			assigned[id] = true
		}
	}
	var out []core.Article
	for _, a := range r.articles {
		if len(a.Embedding) > 0 && !assigned[a.ID] {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error) {
	var out []core.Event
	for _, id := range ids {
		if e, ok := r.events[id]; ok && !e.Archived() {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetMemberArticles(ctx context.Context, eventID string) ([]core.Article, error) {
	var out []core.Article
	for _, articleID := range r.memberOrder[eventID] {
		if a, ok := r.articles[articleID]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *fakeRepo) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	var out []core.CentroidSnapshot
	for _, e := range r.events {
		if !e.Archived() && len(e.Centroid) > 0 {
			out = append(out, core.CentroidSnapshot{
				EventID:       e.ID,
				Centroid:      e.Centroid,
				LastUpdatedAt: e.LastUpdatedAt,
			})
		}
	}
	return out, nil
}

func (r *fakeRepo) LoadActiveEventsWithArticles(ctx context.Context) ([]persistence.EventWithArticles, error) {
	var out []persistence.EventWithArticles
	for _, e := range r.events {
		if e.Archived() {
			continue
		}
		members, _ := r.GetMemberArticles(ctx, e.ID)
		out = append(out, persistence.EventWithArticles{Event: *e, Articles: members})
	}
	return out, nil
}

func (r *fakeRepo) CreateEventSkeleton(ctx context.Context, seed *core.Article, now time.Time) (*core.Event, error) {
	base := persistence.Slugify(seed.Title)
	slug := base
	for i := 2; r.slugs[slug]; i++ {
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	r.slugs[slug] = true

	r.seq++
	event := &core.Event{
		ID:            fmt.Sprintf("ev-%d", r.seq),
		Slug:          slug,
		Title:         seed.Title,
		Description:   seed.Summary,
		EventType:     seed.EventType,
		Centroid:      append([]float64(nil), seed.Embedding...),
		CentroidTFIDF: seed.TFIDF,
		Entities:      centroid.MergeEntities(nil, seed.Entities),
		FirstSeenAt:   seed.ReferenceTime(),
		LastUpdatedAt: seed.ReferenceTime(),
	}
	r.events[event.ID] = event
	copied := *event
	return &copied, nil
}

func (r *fakeRepo) AppendArticleToEvent(ctx context.Context, event *core.Event, article *core.Article, similarity float64, breakdown core.ScoreBreakdown, now time.Time) (*core.EventArticleLink, error) {
	current, ok := r.events[event.ID]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", event.ID)
	}
	if current.Archived() {
		return nil, persistence.ErrEventArchived
	}

	if existing, ok := r.links[event.ID][article.ID]; ok {
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

	link := &core.EventArticleLink{
		EventID:    event.ID,
		ArticleID:  article.ID,
		Similarity: similarity,
		Breakdown:  breakdown,
		LinkedAt:   now,
	}
	if r.links[event.ID] == nil {
		r.links[event.ID] = make(map[string]*core.EventArticleLink)
	}
	r.links[event.ID][article.ID] = link
	r.memberOrder[event.ID] = append(r.memberOrder[event.ID], article.ID)

	*event = *current
	return link, nil
}

func (r *fakeRepo) ArchiveEvents(ctx context.Context, ids []string, now time.Time) (int, error) {
	archived := 0
	for _, id := range ids {
		if e, ok := r.events[id]; ok && !e.Archived() {
			t := now
			e.ArchivedAt = &t
			archived++
		}
	}
	return archived, nil
}

func (r *fakeRepo) CommitMaintenance(ctx context.Context, updates []persistence.EventUpdate, archiveIDs []string, now time.Time) (int, error) {
	for _, u := range updates {
		e, ok := r.events[u.EventID]
		if !ok || e.Archived() {
			continue
		}
		e.Centroid = u.Centroid
		e.CentroidTFIDF = u.CentroidTFIDF
		e.Entities = u.Entities
		e.ArticleCount = u.ArticleCount
		e.FirstSeenAt = u.FirstSeenAt
		e.LastUpdatedAt = u.LastUpdatedAt
	}
	return r.ArchiveEvents(ctx, archiveIDs, now)
}

func (r *fakeRepo) linkCount() int {
	total := 0
	for _, byArticle := range r.links {
		total += len(byArticle)
	}
	return total
}

// fakeIndex is an exact in-memory stand-in for the coordinator-facing
// index surface.
type fakeIndex struct {
	entries   map[string]indexEntry
	readyErr  error
	queryErr  error
	upsertErr error
}

type indexEntry struct {
	vector      []float64
	lastUpdated time.Time
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string]indexEntry)}
}

func (f *fakeIndex) EnsureReady(ctx context.Context, repo vectorindex.SnapshotSource) error {
	return f.readyErr
}

func (f *fakeIndex) Query(ctx context.Context, embedding []float64, topK int) ([]vectorindex.Candidate, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []vectorindex.Candidate
	for id, entry := range f.entries {
		sim := scoring.CosineDense(embedding, entry.vector)
		out = append(out, vectorindex.Candidate{
			EventID:       id,
			Similarity:    sim,
			Distance:      1 - sim,
			LastUpdatedAt: entry.lastUpdated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeIndex) Upsert(ctx context.Context, eventID string, embedding []float64, lastUpdatedAt time.Time) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.entries[eventID] = indexEntry{vector: append([]float64(nil), embedding...), lastUpdated: lastUpdatedAt}
	return nil
}

// fakeArbiter returns a scripted decision and records the call.
type fakeArbiter struct {
	decision   arbiter.Decision
	err        error
	called     bool
	candidates []arbiter.CandidateCapsule
}

func (f *fakeArbiter) Decide(ctx context.Context, article arbiter.ArticleCapsule, candidates []arbiter.CandidateCapsule) (arbiter.Decision, error) {
	f.called = true
	f.candidates = candidates
	return f.decision, f.err
}
