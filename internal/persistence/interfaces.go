// Package persistence provides the transactional store for events, articles
// and event-article links.
package persistence

import (
	"context"
	"errors"
	"time"

	"pluriform/internal/core"
)

// ErrArticleNotFound is returned when an article id has no row.
var ErrArticleNotFound = errors.New("article not found")

// ErrEventArchived is returned when linking against an archived event.
var ErrEventArchived = errors.New("event is archived")

// EventWithArticles pairs an active event with its member articles, as
// loaded for maintenance.
type EventWithArticles struct {
	Event    core.Event
	Articles []core.Article
}

// EventUpdate carries the recomputed aggregate fields maintenance writes
// back for one event.
type EventUpdate struct {
	EventID       string
	Centroid      []float64
	CentroidTFIDF map[string]float64
	Entities      []core.Entity
	ArticleCount  int
	FirstSeenAt   time.Time
	LastUpdatedAt time.Time
}

// ArticleReader loads enriched articles written by the ingestion pipeline.
type ArticleReader interface {
	// GetArticle retrieves one article; ErrArticleNotFound when absent.
	GetArticle(ctx context.Context, id string) (*core.Article, error)

	// ListUnassigned retrieves embedded articles that are not yet linked
	// to any event, oldest first.
	ListUnassigned(ctx context.Context, limit int) ([]core.Article, error)
}

// EventRepository is the transactional interface over the relational store.
type EventRepository interface {
	ArticleReader

	// GetEventsByIDs returns the non-archived events among ids.
	GetEventsByIDs(ctx context.Context, ids []string) ([]core.Event, error)

	// GetMemberArticles returns the member articles of one event.
	GetMemberArticles(ctx context.Context, eventID string) ([]core.Article, error)

	// FetchIndexSnapshots returns every non-archived event with a non-null
	// dense centroid, as the vector index consumes them.
	FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error)

	// LoadActiveEventsWithArticles returns each active event paired with
	// its member articles, for maintenance.
	LoadActiveEventsWithArticles(ctx context.Context) ([]EventWithArticles, error)

	// CreateEventSkeleton allocates a new event seeded from an article:
	// unique slug derived from the title, event-type inherited, centroid
	// fields taken from the seed, member count zero until the seed link
	// is appended.
	CreateEventSkeleton(ctx context.Context, seed *core.Article, now time.Time) (*core.Event, error)

	// AppendArticleToEvent links an article to an event in one
	// transaction: inserts the link row, folds the article into the
	// centroids incrementally, increments the member count and advances
	// last_updated_at. Appending the same article twice returns the
	// existing link unchanged.
	AppendArticleToEvent(ctx context.Context, event *core.Event, article *core.Article, similarity float64, breakdown core.ScoreBreakdown, now time.Time) (*core.EventArticleLink, error)

	// ArchiveEvents soft-deletes events that are not already archived and
	// returns the count actually changed.
	ArchiveEvents(ctx context.Context, ids []string, now time.Time) (int, error)

	// CommitMaintenance applies recomputed aggregates and archivals in a
	// single transaction and returns the number of events archived.
	CommitMaintenance(ctx context.Context, updates []EventUpdate, archiveIDs []string, now time.Time) (int, error)
}
