// Package vectorindex maintains the persistent approximate-nearest-neighbour
// structure over event centroids. The index is a process-global singleton:
// all access is serialized by a single mutex, and the persisted files are
// guarded by a file lock so concurrent processes cannot corrupt them.
package vectorindex

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"pluriform/internal/core"
	"pluriform/internal/logger"
)

// ErrDimensionMismatch is returned when a persisted index was built with a
// different embedding dimension than the configured one. This is fatal: the
// operator must rebuild the index.
var ErrDimensionMismatch = errors.New("vector index dimension mismatch")

// ErrNotReady is returned when the index is used before EnsureReady.
var ErrNotReady = errors.New("vector index not ready")

// SnapshotSource supplies the active centroids the index is built from.
type SnapshotSource interface {
	FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error)
}

// Options configures the index.
type Options struct {
	Dimension      int
	MaxElements    int
	M              int
	EfConstruction int
	EfSearch       int
	Path           string        // binary index blob
	MetadataPath   string        // JSON sidecar
	RecencyWindow  time.Duration // candidate recency filter for Query
}

// Metadata is the JSON sidecar persisted next to the index blob.
type Metadata struct {
	Dimension      int       `json:"dimension"`
	MaxElements    int       `json:"max_elements"`
	M              int       `json:"m"`
	EfConstruction int       `json:"ef_construction"`
	EfSearch       int       `json:"ef_search"`
	LabelCount     int       `json:"label_count"`
	SavedAt        time.Time `json:"saved_at"`
}

// Candidate is one recency-filtered nearest-neighbour result.
type Candidate struct {
	EventID       string
	Similarity    float64
	Distance      float64
	LastUpdatedAt time.Time
}

// Index is the persistent ANN index over event centroids.
type Index struct {
	mu          sync.Mutex
	opts        Options
	maxElements int
	graph       *hnswGraph
	entries     map[string]time.Time // event id -> last updated
	ready       bool
	fileLock    *flock.Flock
}

// New creates an index; EnsureReady must be called before use.
func New(opts Options) *Index {
	return &Index{
		opts:        opts,
		maxElements: opts.MaxElements,
		fileLock:    flock.New(opts.Path + ".lock"),
	}
}

// EnsureReady loads the index from disk if a valid snapshot exists and
// matches the configured dimension; otherwise it rebuilds from the
// repository. Idempotent.
func (ix *Index) EnsureReady(ctx context.Context, repo SnapshotSource) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.ready {
		return nil
	}

	loaded, err := ix.loadLocked()
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return err
		}
		logger.Warn("failed to load vector index, rebuilding", "path", ix.opts.Path, "reason", err.Error())
	}
	if !loaded || err != nil {
		if err := ix.rebuildLocked(ctx, repo); err != nil {
			return err
		}
	}

	ix.ready = true
	return nil
}

// Upsert inserts or replaces the centroid for an event and persists.
func (ix *Index) Upsert(ctx context.Context, eventID string, embedding []float64, lastUpdatedAt time.Time) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.ready {
		return ErrNotReady
	}
	if len(embedding) != ix.opts.Dimension {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(embedding), ix.opts.Dimension)
	}

	if !ix.graph.has(eventID) && ix.graph.size()+1 > ix.maxElements {
		grown := ix.maxElements * 3 / 2
		if required := ix.graph.size() + 1; required > grown {
			grown = required
		}
		logger.Info("growing vector index capacity", "from", ix.maxElements, "to", grown)
		ix.maxElements = grown
	}

	ix.graph.insert(eventID, embedding)
	ix.entries[eventID] = lastUpdatedAt
	return ix.saveLocked()
}

// Remove mark-deletes an event from the index and persists.
func (ix *Index) Remove(ctx context.Context, eventID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.ready {
		return ErrNotReady
	}
	if !ix.graph.markDelete(eventID) {
		return nil
	}
	delete(ix.entries, eventID)
	return ix.saveLocked()
}

// Query returns up to topK recency-filtered candidates in descending
// similarity. It over-fetches 3x (capped by the index size) before
// applying the recency window.
func (ix *Index) Query(ctx context.Context, embedding []float64, topK int) ([]Candidate, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.ready {
		return nil, ErrNotReady
	}
	if topK <= 0 || ix.graph.size() == 0 {
		return nil, nil
	}

	fetch := topK * 3
	if fetch > ix.graph.size() {
		fetch = ix.graph.size()
	}
	ef := ix.opts.EfSearch
	if ef < fetch {
		ef = fetch
	}

	hits := ix.graph.search(embedding, fetch, ef)

	cutoff := time.Time{}
	if ix.opts.RecencyWindow > 0 {
		cutoff = time.Now().Add(-ix.opts.RecencyWindow)
	}

	out := make([]Candidate, 0, topK)
	for _, hit := range hits {
		lastUpdated, ok := ix.entries[hit.label]
		if !ok {
			continue
		}
		if !cutoff.IsZero() && lastUpdated.Before(cutoff) {
			continue
		}
		similarity := 1 - hit.dist
		if similarity < 0 {
			similarity = 0
		} else if similarity > 1 {
			similarity = 1
		}
		out = append(out, Candidate{
			EventID:       hit.label,
			Similarity:    similarity,
			Distance:      hit.dist,
			LastUpdatedAt: lastUpdated,
		})
		if len(out) == topK {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// IndexedIDs returns the set of event ids currently in the index. Used by
// maintenance for drift detection.
func (ix *Index) IndexedIDs(ctx context.Context) (map[string]struct{}, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.ready {
		return nil, ErrNotReady
	}
	out := make(map[string]struct{}, len(ix.entries))
	for id := range ix.entries {
		out[id] = struct{}{}
	}
	return out, nil
}

// Rebuild discards the in-memory structure and reloads every active
// centroid from the repository, then persists.
func (ix *Index) Rebuild(ctx context.Context, repo SnapshotSource) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.rebuildLocked(ctx, repo); err != nil {
		return err
	}
	ix.ready = true
	return nil
}

// Close persists the index a final time.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.ready {
		return nil
	}
	return ix.saveLocked()
}

func (ix *Index) rebuildLocked(ctx context.Context, repo SnapshotSource) error {
	snapshots, err := repo.FetchIndexSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch index snapshots: %w", err)
	}

	graph := newHNSWGraph(ix.opts.M, ix.opts.EfConstruction)
	entries := make(map[string]time.Time, len(snapshots))

	skipped := 0
	for _, snap := range snapshots {
		if snap.Archived || len(snap.Centroid) == 0 {
			continue
		}
		if len(snap.Centroid) != ix.opts.Dimension {
			skipped++
			continue
		}
		graph.insert(snap.EventID, snap.Centroid)
		entries[snap.EventID] = snap.LastUpdatedAt
	}
	if skipped > 0 {
		logger.Warn("skipped centroids with unexpected dimension during rebuild", "count", skipped)
	}

	if required := len(entries); required > ix.maxElements {
		ix.maxElements = required * 3 / 2
	}

	ix.graph = graph
	ix.entries = entries

	if err := ix.saveLocked(); err != nil {
		return err
	}
	logger.Info("vector index rebuilt", "events", len(entries))
	return nil
}

// persistedIndex is the gob wire form of the whole index blob.
type persistedIndex struct {
	Entries map[string]time.Time
	Graph   persistedGraph
}

// saveLocked atomically writes the index blob and the metadata sidecar.
// Caller holds the mutex; the file lock guards against other processes.
func (ix *Index) saveLocked() error {
	if err := ix.fileLock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire index file lock: %w", err)
	}
	defer ix.fileLock.Unlock()

	if dir := filepath.Dir(ix.opts.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	if err := writeAtomic(ix.opts.Path, func(f *os.File) error {
		blob := persistedIndex{Entries: ix.entries, Graph: ix.graph.toPersisted()}
		return gob.NewEncoder(f).Encode(&blob)
	}); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}

	meta := Metadata{
		Dimension:      ix.opts.Dimension,
		MaxElements:    ix.maxElements,
		M:              ix.opts.M,
		EfConstruction: ix.opts.EfConstruction,
		EfSearch:       ix.opts.EfSearch,
		LabelCount:     ix.graph.size(),
		SavedAt:        time.Now().UTC(),
	}
	if err := writeAtomic(ix.opts.MetadataPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}); err != nil {
		return fmt.Errorf("failed to save vector index metadata: %w", err)
	}
	return nil
}

// loadLocked restores the index from disk. Returns (false, nil) when no
// snapshot exists. A dimension mismatch is fatal.
func (ix *Index) loadLocked() (bool, error) {
	metaBytes, err := os.ReadFile(ix.opts.MetadataPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return false, fmt.Errorf("corrupt index metadata: %w", err)
	}
	if meta.Dimension != ix.opts.Dimension {
		return false, fmt.Errorf("%w: saved %d, configured %d", ErrDimensionMismatch, meta.Dimension, ix.opts.Dimension)
	}

	if err := ix.fileLock.RLock(); err != nil {
		return false, fmt.Errorf("failed to acquire index file lock: %w", err)
	}
	defer ix.fileLock.Unlock()

	f, err := os.Open(ix.opts.Path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	var p persistedIndex
	if err := gob.NewDecoder(f).Decode(&p); err != nil {
		return false, fmt.Errorf("corrupt index file: %w", err)
	}

	ix.graph = graphFromPersisted(p.Graph)
	ix.entries = p.Entries
	if ix.entries == nil {
		ix.entries = make(map[string]time.Time)
	}
	if meta.MaxElements > ix.maxElements {
		ix.maxElements = meta.MaxElements
	}
	logger.Info("vector index loaded", "events", ix.graph.size(), "path", ix.opts.Path)
	return true, nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
