// Package core defines the shared domain types of the event detection engine.
package core

import (
	"strings"
	"time"
)

// EventType classifies an article or event into one of the closed set of
// editorial categories produced by the upstream classifier.
type EventType string

const (
	EventTypePolitics      EventType = "politics"
	EventTypeCrime         EventType = "crime"
	EventTypeSports        EventType = "sports"
	EventTypeInternational EventType = "international"
	EventTypeBusiness      EventType = "business"
	EventTypeEntertainment EventType = "entertainment"
	EventTypeWeather       EventType = "weather"
	EventTypeRoyal         EventType = "royal"
	EventTypeOther         EventType = "other"
)

// ParseEventType normalizes a classifier tag into an EventType.
// Unknown or empty tags map to EventTypeOther so the type gate never
// depends on upstream casing.
func ParseEventType(s string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(s))) {
	case EventTypePolitics:
		return EventTypePolitics
	case EventTypeCrime:
		return EventTypeCrime
	case EventTypeSports:
		return EventTypeSports
	case EventTypeInternational:
		return EventTypeInternational
	case EventTypeBusiness:
		return EventTypeBusiness
	case EventTypeEntertainment:
		return EventTypeEntertainment
	case EventTypeWeather:
		return EventTypeWeather
	case EventTypeRoyal:
		return EventTypeRoyal
	default:
		return EventTypeOther
	}
}

// Entity is a named entity extracted by the NLP enrichment pipeline.
type Entity struct {
	Text  string `json:"text"`  // Surface text as extracted
	Label string `json:"label"` // Type label (PERSON, GPE, LOC, ORG, ...); may be empty
}

// Article is a fetched and enriched news item. The core consumes articles;
// it never creates them.
type Article struct {
	ID          string             `json:"id"`           // Unique identifier
	Title       string             `json:"title"`        // Headline
	Content     string             `json:"content"`      // Cleaned article text
	Summary     string             `json:"summary"`      // Optional upstream summary
	SourceName  string             `json:"source_name"`  // Outlet name
	Spectrum    string             `json:"spectrum"`     // Source metadata: political spectrum
	MediaType   string             `json:"media_type"`   // Source metadata: broadcaster, daily, tabloid, social
	PublishedAt *time.Time         `json:"published_at"` // Publication timestamp (nullable)
	FetchedAt   time.Time          `json:"fetched_at"`   // Fetch timestamp
	EventType   EventType          `json:"event_type"`   // Classified event-type tag
	Embedding   []float64          `json:"embedding"`    // Dense embedding (empty if absent)
	TFIDF       map[string]float64 `json:"tfidf"`        // Sparse lexical vector, token -> weight
	Entities    []Entity           `json:"entities"`     // Named entities
	Locations   []string           `json:"locations"`    // Extracted location strings
	Dates       []string           `json:"dates"`        // Extracted date strings
}

// ReferenceTime returns the publication time if present, else the fetch time.
func (a *Article) ReferenceTime() time.Time {
	if a.PublishedAt != nil && !a.PublishedAt.IsZero() {
		return *a.PublishedAt
	}
	return a.FetchedAt
}

// Event is a cluster of articles judged to describe one real-world occurrence.
type Event struct {
	ID            string             `json:"id"`             // Unique identifier
	Slug          string             `json:"slug"`           // Human-readable unique slug
	Title         string             `json:"title"`          // Seeded from the first article
	Description   string             `json:"description"`    // Seeded from the first article
	EventType     EventType          `json:"event_type"`     // Inherited from the seed article
	Centroid      []float64          `json:"centroid"`       // Running mean of member embeddings
	CentroidTFIDF map[string]float64 `json:"centroid_tfidf"` // Running mean of member sparse vectors
	Entities      []Entity           `json:"entities"`       // Merged entity list over members
	FirstSeenAt   time.Time          `json:"first_seen_at"`
	LastUpdatedAt time.Time          `json:"last_updated_at"`
	ArchivedAt    *time.Time         `json:"archived_at"` // Nullable; set on archival
	ArticleCount  int                `json:"article_count"`
}

// Archived reports whether the event has been soft-deleted.
func (e *Event) Archived() bool { return e.ArchivedAt != nil }

// ScoreBreakdown preserves every component of a similarity decision.
// The scorer fills Embedding through Final; the coordinator fills the
// boosts and the decision label when it links or seeds.
type ScoreBreakdown struct {
	Embedding     float64 `json:"embedding"`
	TFIDF         float64 `json:"tfidf"`
	Entities      float64 `json:"entities"`
	TimeDecay     float64 `json:"time_decay"`
	Combined      float64 `json:"combined"`
	Final         float64 `json:"final"`
	LocationBoost float64 `json:"location_boost"`
	DateBoost     float64 `json:"date_boost"`
	BoostedFinal  float64 `json:"boosted_final"`
	Decision      string  `json:"decision"` // "seed", "score" or "llm"
}

// EventArticleLink records the membership of an article in an event at the
// moment of linking. The pair (EventID, ArticleID) is unique.
type EventArticleLink struct {
	EventID    string         `json:"event_id"`
	ArticleID  string         `json:"article_id"`
	Similarity float64        `json:"similarity"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
	LinkedAt   time.Time      `json:"linked_at"`
}

// CentroidSnapshot is the projection of an event consumed by the vector index.
type CentroidSnapshot struct {
	EventID       string    `json:"event_id"`
	Centroid      []float64 `json:"centroid"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Archived      bool      `json:"archived"`
}

// AssignmentResult reports the outcome of assigning one article.
type AssignmentResult struct {
	ArticleID string         `json:"article_id"`
	EventID   string         `json:"event_id"`
	Created   bool           `json:"created"` // true when a new event was seeded
	Score     float64        `json:"score"`   // boosted final score of the winning candidate (1.0 on seed)
	Threshold float64        `json:"threshold"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}
