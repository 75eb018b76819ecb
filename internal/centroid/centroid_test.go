package centroid

import (
	"math"
	"testing"

	"pluriform/internal/core"
)

func TestIncrementalMeanAdoptsFirstVector(t *testing.T) {
	v := []float64{0.1, 0.2, 0.3}
	got := IncrementalMean(nil, 0, v)
	if len(got) != len(v) {
		t.Fatalf("length = %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], v[i])
		}
	}

	// The adopted vector must be a copy.
	got[0] = 99
	if v[0] == 99 {
		t.Error("IncrementalMean aliased the input vector")
	}
}

func TestIncrementalMeanRunningAverage(t *testing.T) {
	mean := IncrementalMean(nil, 0, []float64{1, 0})
	mean = IncrementalMean(mean, 1, []float64{0, 1})
	want := []float64{0.5, 0.5}
	for i := range want {
		if math.Abs(mean[i]-want[i]) > 1e-9 {
			t.Errorf("mean[%d] = %v, want %v", i, mean[i], want[i])
		}
	}
}

func TestIncrementalMeanZeroPadsShorterVector(t *testing.T) {
	mean := IncrementalMean([]float64{1, 1}, 1, []float64{1, 1, 2})
	want := []float64{1, 1, 1}
	if len(mean) != 3 {
		t.Fatalf("length = %d, want 3", len(mean))
	}
	for i := range want {
		if math.Abs(mean[i]-want[i]) > 1e-9 {
			t.Errorf("mean[%d] = %v, want %v", i, mean[i], want[i])
		}
	}
}

func TestIncrementalMatchesExactMean(t *testing.T) {
	vectors := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0.5, 0.5, 1},
		{0.2, 0.4, 0.6},
	}

	var incremental []float64
	for n, v := range vectors {
		incremental = IncrementalMean(incremental, n, v)
	}
	exact := ExactMean(vectors)

	if len(incremental) != len(exact) {
		t.Fatalf("length mismatch: %d vs %d", len(incremental), len(exact))
	}
	for i := range exact {
		if math.Abs(incremental[i]-exact[i]) > 1e-6 {
			t.Errorf("component %d: incremental %v, exact %v", i, incremental[i], exact[i])
		}
	}
}

func TestExactMeanSkipsEmptyVectors(t *testing.T) {
	got := ExactMean([][]float64{nil, {2, 4}, {}})
	want := []float64{2, 4}
	if len(got) != 2 {
		t.Fatalf("length = %d, want 2", len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if ExactMean(nil) != nil {
		t.Error("ExactMean of no vectors must be nil")
	}
	if ExactMean([][]float64{nil, {}}) != nil {
		t.Error("ExactMean of only empty vectors must be nil")
	}
}

func TestSparseMeans(t *testing.T) {
	a := map[string]float64{"kamer": 1, "kabinet": 0.5}
	b := map[string]float64{"kamer": 0.5, "debat": 1}

	incremental := IncrementalSparseMean(nil, 0, a)
	incremental = IncrementalSparseMean(incremental, 1, b)
	exact := ExactSparseMean([]map[string]float64{a, b})

	if len(incremental) != len(exact) {
		t.Fatalf("key count mismatch: %d vs %d", len(incremental), len(exact))
	}
	for k, want := range exact {
		if got, ok := incremental[k]; !ok || math.Abs(got-want) > 1e-9 {
			t.Errorf("key %q: incremental %v, exact %v", k, got, want)
		}
	}
}

func TestSparseMeanDropsNearZero(t *testing.T) {
	got := ExactSparseMean([]map[string]float64{
		{"a": 1e-12, "b": 1},
		{"b": 1},
	})
	if _, ok := got["a"]; ok {
		t.Error("near-zero entry was not dropped")
	}
	if math.Abs(got["b"]-1) > 1e-9 {
		t.Errorf("b = %v, want 1", got["b"])
	}
}

func TestMergeEntities(t *testing.T) {
	existing := []core.Entity{
		{Text: "Rutte", Label: "PERSON"},
		{Text: "Den Haag", Label: "GPE"},
	}
	add := []core.Entity{
		{Text: "rutte", Label: "person"}, // duplicate under case folding
		{Text: "Kamer", Label: "ORG"},
		{Text: "  ", Label: "ORG"}, // blank text dropped
	}

	got := MergeEntities(existing, add)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}

	// Sorted by lowercased text; first spelling wins.
	wantTexts := []string{"Den Haag", "Kamer", "Rutte"}
	for i, want := range wantTexts {
		if got[i].Text != want {
			t.Errorf("got[%d].Text = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestMergeAll(t *testing.T) {
	lists := [][]core.Entity{
		{{Text: "politie", Label: "ORG"}},
		{{Text: "Politie", Label: "ORG"}, {Text: "Purmerend", Label: "GPE"}},
		nil,
	}
	got := MergeAll(lists)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
}
