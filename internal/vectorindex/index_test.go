package vectorindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pluriform/internal/core"
)

type fakeSource struct {
	snapshots []core.CentroidSnapshot
	err       error
}

func (f *fakeSource) FetchIndexSnapshots(ctx context.Context) ([]core.CentroidSnapshot, error) {
	return f.snapshots, f.err
}

func testOptions(t *testing.T, dimension int) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Dimension:      dimension,
		MaxElements:    100,
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		Path:           filepath.Join(dir, "events.index"),
		MetadataPath:   filepath.Join(dir, "events.index.json"),
		RecencyWindow:  7 * 24 * time.Hour,
	}
}

func readyIndex(t *testing.T, opts Options, source *fakeSource) *Index {
	t.Helper()
	ix := New(opts)
	if err := ix.EnsureReady(context.Background(), source); err != nil {
		t.Fatalf("EnsureReady() error: %v", err)
	}
	return ix
}

func TestIndexNotReady(t *testing.T) {
	ix := New(testOptions(t, 3))
	if _, err := ix.Query(context.Background(), []float64{1, 0, 0}, 5); !errors.Is(err, ErrNotReady) {
		t.Errorf("Query before EnsureReady: err = %v, want ErrNotReady", err)
	}
	if err := ix.Upsert(context.Background(), "e1", []float64{1, 0, 0}, time.Now()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Upsert before EnsureReady: err = %v, want ErrNotReady", err)
	}
}

func TestIndexUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	ix := readyIndex(t, testOptions(t, 3), &fakeSource{})
	now := time.Now()

	vectors := map[string][]float64{
		"e1": {1, 0, 0},
		"e2": {0, 1, 0},
		"e3": {0.9, 0.1, 0},
	}
	for id, v := range vectors {
		if err := ix.Upsert(ctx, id, v, now); err != nil {
			t.Fatalf("Upsert(%s) error: %v", id, err)
		}
	}

	got, err := ix.Query(ctx, []float64{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(got))
	}
	if got[0].EventID != "e1" {
		t.Errorf("top result = %s, want e1", got[0].EventID)
	}
	if got[1].EventID != "e3" {
		t.Errorf("second result = %s, want e3", got[1].EventID)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Error("results not in descending similarity order")
	}
	if got[0].Similarity < 0.999 {
		t.Errorf("exact match similarity = %v, want ~1", got[0].Similarity)
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	ix := readyIndex(t, testOptions(t, 2), &fakeSource{})
	now := time.Now()

	if err := ix.Upsert(ctx, "e1", []float64{1, 0}, now); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "e1", []float64{0, 1}, now); err != nil {
		t.Fatal(err)
	}

	got, err := ix.Query(ctx, []float64{0, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len(results) = %d, want 1 (replace, not duplicate)", len(got))
	}
	if got[0].Similarity < 0.999 {
		t.Errorf("replaced vector similarity = %v, want ~1", got[0].Similarity)
	}
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := readyIndex(t, testOptions(t, 2), &fakeSource{})
	now := time.Now()

	for _, id := range []string{"e1", "e2"} {
		if err := ix.Upsert(ctx, id, []float64{1, 0}, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := ix.Remove(ctx, "e1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	// Removing twice is a no-op.
	if err := ix.Remove(ctx, "e1"); err != nil {
		t.Fatalf("second Remove() error: %v", err)
	}

	ids, err := ix.IndexedIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ids["e1"]; ok {
		t.Error("e1 still indexed after Remove")
	}
	if _, ok := ids["e2"]; !ok {
		t.Error("e2 missing after unrelated Remove")
	}

	got, err := ix.Query(ctx, []float64{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got {
		if c.EventID == "e1" {
			t.Error("removed event returned by Query")
		}
	}
}

func TestIndexRecencyFilter(t *testing.T) {
	ctx := context.Background()
	ix := readyIndex(t, testOptions(t, 2), &fakeSource{})
	now := time.Now()

	if err := ix.Upsert(ctx, "fresh", []float64{1, 0}, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := ix.Upsert(ctx, "stale", []float64{1, 0}, now.Add(-30*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := ix.Query(ctx, []float64{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventID != "fresh" {
		t.Errorf("results = %+v, want only the fresh event", got)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 3)
	now := time.Now()

	ix := readyIndex(t, opts, &fakeSource{})
	vectors := map[string][]float64{
		"e1": {1, 0, 0},
		"e2": {0.8, 0.2, 0},
		"e3": {0, 0, 1},
		"e4": {0.5, 0.5, 0},
	}
	for id, v := range vectors {
		if err := ix.Upsert(ctx, id, v, now); err != nil {
			t.Fatal(err)
		}
	}

	query := []float64{0.9, 0.1, 0}
	before, err := ix.Query(ctx, query, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	// A broken source proves the reload came from disk.
	reloaded := New(opts)
	if err := reloaded.EnsureReady(ctx, &fakeSource{err: errors.New("db down")}); err != nil {
		t.Fatalf("EnsureReady() after reload error: %v", err)
	}
	after, err := reloaded.Query(ctx, query, 3)
	if err != nil {
		t.Fatal(err)
	}

	if len(before) != len(after) {
		t.Fatalf("result count changed: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].EventID != after[i].EventID {
			t.Errorf("rank %d: %s before, %s after reload", i, before[i].EventID, after[i].EventID)
		}
	}
}

func TestIndexDimensionMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 3)

	ix := readyIndex(t, opts, &fakeSource{})
	if err := ix.Upsert(ctx, "e1", []float64{1, 0, 0}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	wrong := opts
	wrong.Dimension = 4
	reloaded := New(wrong)
	if err := reloaded.EnsureReady(ctx, &fakeSource{}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("EnsureReady() err = %v, want ErrDimensionMismatch", err)
	}
}

func TestIndexUpsertDimensionCheck(t *testing.T) {
	ix := readyIndex(t, testOptions(t, 3), &fakeSource{})
	err := ix.Upsert(context.Background(), "e1", []float64{1, 0}, time.Now())
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Upsert with wrong dimension: err = %v, want ErrDimensionMismatch", err)
	}
}

func TestIndexCapacityGrowth(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t, 2)
	opts.MaxElements = 2
	ix := readyIndex(t, opts, &fakeSource{})
	now := time.Now()

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		if err := ix.Upsert(ctx, id, []float64{1, 0}, now); err != nil {
			t.Fatalf("Upsert(%s) past capacity: %v", id, err)
		}
	}

	ids, err := ix.IndexedIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 4 {
		t.Errorf("indexed count = %d, want 4 (no data loss on resize)", len(ids))
	}
}

func TestIndexRebuildFromSnapshots(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	source := &fakeSource{snapshots: []core.CentroidSnapshot{
		{EventID: "e1", Centroid: []float64{1, 0}, LastUpdatedAt: now},
		{EventID: "e2", Centroid: []float64{0, 1}, LastUpdatedAt: now},
		{EventID: "archived", Centroid: []float64{1, 1}, LastUpdatedAt: now, Archived: true},
		{EventID: "empty", LastUpdatedAt: now},
		{EventID: "wrong-dim", Centroid: []float64{1}, LastUpdatedAt: now},
	}}

	ix := readyIndex(t, testOptions(t, 2), source)
	ids, err := ix.IndexedIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("indexed = %v, want exactly e1 and e2", ids)
	}
	for _, want := range []string{"e1", "e2"} {
		if _, ok := ids[want]; !ok {
			t.Errorf("%s missing after rebuild", want)
		}
	}
}
