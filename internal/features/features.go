// Package features normalizes persisted article and event records into the
// vocabulary the scorer works with. The extractor is pure: it reads only the
// record it is given.
package features

import (
	"strings"
	"time"

	"pluriform/internal/core"
)

// ArticleFeatures is the scorer-facing view of one article.
type ArticleFeatures struct {
	Embedding    []float64
	TFIDF        map[string]float64
	Entities     map[string]struct{} // all entity surface texts, lowercased
	Persons      map[string]struct{} // PERSON-typed subset
	LocationEnts map[string]struct{} // GPE/LOC-typed subset
	Locations    map[string]struct{} // extracted location strings, lowercased
	Dates        map[string]struct{} // extracted date strings
	Reference    time.Time           // publication time if present, else fetch time
	EventType    core.EventType
}

// HasEmbedding reports whether the article carries a dense embedding.
// Articles without one are skipped by the coordinator.
func (f ArticleFeatures) HasEmbedding() bool { return len(f.Embedding) > 0 }

// EventFeatures is the scorer-facing view of one event centroid.
type EventFeatures struct {
	Embedding     []float64
	TFIDF         map[string]float64
	Entities      map[string]struct{}
	Persons       map[string]struct{}
	LocationEnts  map[string]struct{}
	LastUpdatedAt time.Time
	EventType     core.EventType
}

// FromArticle extracts ArticleFeatures from a persisted article.
func FromArticle(a *core.Article) ArticleFeatures {
	f := ArticleFeatures{
		Embedding: a.Embedding,
		TFIDF:     dropZero(a.TFIDF),
		Reference: a.ReferenceTime(),
		EventType: a.EventType,
		Locations: lowerSet(a.Locations),
		Dates:     stringSet(a.Dates),
	}
	f.Entities, f.Persons, f.LocationEnts = entitySets(a.Entities)
	return f
}

// FromEvent extracts EventFeatures from a persisted event's centroid fields.
func FromEvent(e *core.Event) EventFeatures {
	f := EventFeatures{
		Embedding:     e.Centroid,
		TFIDF:         dropZero(e.CentroidTFIDF),
		LastUpdatedAt: e.LastUpdatedAt,
		EventType:     e.EventType,
	}
	f.Entities, f.Persons, f.LocationEnts = entitySets(e.Entities)
	return f
}

func entitySets(entities []core.Entity) (all, persons, locations map[string]struct{}) {
	all = make(map[string]struct{}, len(entities))
	persons = make(map[string]struct{})
	locations = make(map[string]struct{})

	for _, e := range entities {
		text := strings.ToLower(strings.TrimSpace(e.Text))
		if text == "" {
			continue
		}
		all[text] = struct{}{}
		switch strings.ToUpper(strings.TrimSpace(e.Label)) {
		case "PERSON":
			persons[text] = struct{}{}
		case "GPE", "LOC":
			locations[text] = struct{}{}
		}
	}
	return all, persons, locations
}

func dropZero(v map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(v))
	for k, x := range v {
		if x != 0 {
			out[k] = x
		}
	}
	return out
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func stringSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
