// Package maintenance keeps the event graph healthy: exact centroid
// recomputation from member articles, stale-event archival and
// vector-index drift repair.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"pluriform/internal/centroid"
	"pluriform/internal/config"
	"pluriform/internal/core"
	"pluriform/internal/logger"
	"pluriform/internal/persistence"
	"pluriform/internal/vectorindex"
)

// VectorIndex is the slice of the index maintenance uses.
type VectorIndex interface {
	EnsureReady(ctx context.Context, repo vectorindex.SnapshotSource) error
	Upsert(ctx context.Context, eventID string, embedding []float64, lastUpdatedAt time.Time) error
	Remove(ctx context.Context, eventID string) error
	IndexedIDs(ctx context.Context) (map[string]struct{}, error)
	Rebuild(ctx context.Context, repo vectorindex.SnapshotSource) error
}

// Stats reports what one maintenance run changed.
type Stats struct {
	EventsProcessed  int
	EventsRecomputed int
	EventsArchived   int
	VectorUpserts    int
	VectorRemovals   int
	IndexRebuilt     bool
}

// Service runs the periodic maintenance pass. It is a singleton job; the
// scheduler must not run two passes concurrently.
type Service struct {
	repo  persistence.EventRepository
	index VectorIndex
	cfg   *config.Config
	now   func() time.Time
}

// NewService wires the maintenance service.
func NewService(repo persistence.EventRepository, index VectorIndex, cfg *config.Config) *Service {
	return &Service{repo: repo, index: index, cfg: cfg, now: time.Now}
}

// Run executes one maintenance pass: recompute every active event's
// aggregates exactly from its members, archive events outside the retention
// window, commit everything in one transaction, reconcile the vector index
// and repair drift. Running it twice in a row changes nothing further.
func (s *Service) Run(ctx context.Context) (Stats, error) {
	stats := Stats{}

	if err := s.index.EnsureReady(ctx, s.repo); err != nil {
		return stats, fmt.Errorf("failed to prepare vector index: %w", err)
	}

	events, err := s.repo.LoadActiveEventsWithArticles(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load active events: %w", err)
	}
	stats.EventsProcessed = len(events)

	now := s.now()
	cutoff := now.AddDate(0, 0, -s.cfg.Events.RetentionDays)

	var (
		updates    []persistence.EventUpdate
		archiveIDs []string
		upserts    []persistence.EventUpdate
		removals   []string
	)

	for i := range events {
		ev := &events[i]
		if len(ev.Articles) == 0 {
			// Skeletons without members are left for the next assignment;
			// they carry the seed centroid and age out via retention.
			if ev.Event.LastUpdatedAt.Before(cutoff) {
				archiveIDs = append(archiveIDs, ev.Event.ID)
				removals = append(removals, ev.Event.ID)
			}
			continue
		}

		update := recompute(ev)
		updates = append(updates, update)
		stats.EventsRecomputed++

		if update.LastUpdatedAt.Before(cutoff) {
			archiveIDs = append(archiveIDs, update.EventID)
			removals = append(removals, update.EventID)
			continue
		}

		if len(update.Centroid) > 0 {
			upserts = append(upserts, update)
		} else {
			removals = append(removals, update.EventID)
		}
	}

	archived, err := s.repo.CommitMaintenance(ctx, updates, archiveIDs, now)
	if err != nil {
		return stats, fmt.Errorf("failed to commit maintenance: %w", err)
	}
	stats.EventsArchived = archived

	for _, u := range upserts {
		if err := s.index.Upsert(ctx, u.EventID, u.Centroid, u.LastUpdatedAt); err != nil {
			logger.Warn("failed to upsert centroid during maintenance", "event_id", u.EventID, "reason", err.Error())
			continue
		}
		stats.VectorUpserts++
	}
	for _, id := range removals {
		if err := s.index.Remove(ctx, id); err != nil {
			logger.Warn("failed to remove event from index during maintenance", "event_id", id, "reason", err.Error())
			continue
		}
		stats.VectorRemovals++
	}

	rebuilt, err := s.repairDrift(ctx)
	if err != nil {
		return stats, err
	}
	stats.IndexRebuilt = rebuilt

	logger.Info("maintenance run complete",
		"processed", stats.EventsProcessed,
		"recomputed", stats.EventsRecomputed,
		"archived", stats.EventsArchived,
		"vector_upserts", stats.VectorUpserts,
		"vector_removals", stats.VectorRemovals,
		"index_rebuilt", stats.IndexRebuilt)
	return stats, nil
}

// recompute derives the exact aggregates of one event from its members.
func recompute(ev *persistence.EventWithArticles) persistence.EventUpdate {
	members := ev.Articles

	embeddings := make([][]float64, 0, len(members))
	sparse := make([]map[string]float64, 0, len(members))
	entities := make([][]core.Entity, 0, len(members))

	first := members[0].ReferenceTime()
	last := first
	for i := range members {
		embeddings = append(embeddings, members[i].Embedding)
		sparse = append(sparse, members[i].TFIDF)
		entities = append(entities, members[i].Entities)

		ref := members[i].ReferenceTime()
		if ref.Before(first) {
			first = ref
		}
		if ref.After(last) {
			last = ref
		}
	}

	return persistence.EventUpdate{
		EventID:       ev.Event.ID,
		Centroid:      centroid.ExactMean(embeddings),
		CentroidTFIDF: centroid.ExactSparseMean(sparse),
		Entities:      centroid.MergeAll(entities),
		ArticleCount:  len(members),
		FirstSeenAt:   first,
		LastUpdatedAt: last,
	}
}

// repairDrift compares the repository's active centroid-bearing events with
// the indexed set and rebuilds the index on any asymmetry, when the policy
// flag allows it.
func (s *Service) repairDrift(ctx context.Context) (bool, error) {
	snapshots, err := s.repo.FetchIndexSnapshots(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch snapshots for drift detection: %w", err)
	}
	indexed, err := s.index.IndexedIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list indexed events: %w", err)
	}

	active := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if !snap.Archived && len(snap.Centroid) > 0 {
			active[snap.EventID] = struct{}{}
		}
	}

	drift := len(active) != len(indexed)
	if !drift {
		for id := range active {
			if _, ok := indexed[id]; !ok {
				drift = true
				break
			}
		}
	}
	if !drift {
		return false, nil
	}

	logger.Warn("vector index drift detected", "active", len(active), "indexed", len(indexed))
	if !s.cfg.Events.IndexRebuildOnDrift {
		return false, nil
	}
	if err := s.index.Rebuild(ctx, s.repo); err != nil {
		return false, fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return true, nil
}
