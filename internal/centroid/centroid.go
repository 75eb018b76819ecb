// Package centroid implements the centroid update rules shared by the
// repository (incremental, at link time) and the maintenance service
// (exact recomputation from members).
package centroid

import (
	"math"
	"sort"
	"strings"

	"pluriform/internal/core"
)

// sparseEpsilon is the magnitude below which sparse entries are dropped.
const sparseEpsilon = 1e-9

// IncrementalMean folds a new vector into a running mean over n samples:
// new[i] = (old[i]*n + v[i]) / (n+1), over the longer of the two lengths
// with the shorter vector zero-padded. With n == 0 the new vector is
// adopted verbatim.
func IncrementalMean(old []float64, n int, v []float64) []float64 {
	if n <= 0 || len(old) == 0 {
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}

	size := len(old)
	if len(v) > size {
		size = len(v)
	}

	out := make([]float64, size)
	for i := 0; i < size; i++ {
		var a, b float64
		if i < len(old) {
			a = old[i]
		}
		if i < len(v) {
			b = v[i]
		}
		out[i] = (a*float64(n) + b) / float64(n+1)
	}
	return out
}

// ExactMean computes the element-wise mean across vectors, zero-padding to
// the maximum length present. Empty vectors contribute zeros; if no vector
// is non-empty the result is nil.
func ExactMean(vectors [][]float64) []float64 {
	size := 0
	count := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		count++
		if len(v) > size {
			size = len(v)
		}
	}
	if count == 0 {
		return nil
	}

	out := make([]float64, size)
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float64(count)
	}
	return out
}

// IncrementalSparseMean folds a sparse vector into a running mean over n
// samples, over the union of keys. Near-zero entries are dropped.
func IncrementalSparseMean(old map[string]float64, n int, v map[string]float64) map[string]float64 {
	if n <= 0 || len(old) == 0 {
		out := make(map[string]float64, len(v))
		for k, x := range v {
			if math.Abs(x) >= sparseEpsilon {
				out[k] = x
			}
		}
		return out
	}

	out := make(map[string]float64, len(old)+len(v))
	for k, a := range old {
		out[k] = (a * float64(n)) / float64(n+1)
	}
	for k, b := range v {
		out[k] += b / float64(n+1)
	}
	for k, x := range out {
		if math.Abs(x) < sparseEpsilon {
			delete(out, k)
		}
	}
	return out
}

// ExactSparseMean computes the mean of sparse vectors over their key union.
func ExactSparseMean(vectors []map[string]float64) map[string]float64 {
	if len(vectors) == 0 {
		return map[string]float64{}
	}

	out := make(map[string]float64)
	for _, v := range vectors {
		for k, x := range v {
			out[k] += x
		}
	}
	n := float64(len(vectors))
	for k, x := range out {
		x /= n
		if math.Abs(x) < sparseEpsilon {
			delete(out, k)
			continue
		}
		out[k] = x
	}
	return out
}

// MergeEntities unions two entity lists on (lowercased text, lowercased
// label), keeping the first spelling seen and sorting by text then label
// for determinism.
func MergeEntities(existing, add []core.Entity) []core.Entity {
	seen := make(map[[2]string]core.Entity, len(existing)+len(add))
	for _, list := range [][]core.Entity{existing, add} {
		for _, e := range list {
			text := strings.TrimSpace(e.Text)
			if text == "" {
				continue
			}
			key := [2]string{strings.ToLower(text), strings.ToLower(e.Label)}
			if _, ok := seen[key]; !ok {
				seen[key] = core.Entity{Text: text, Label: e.Label}
			}
		}
	}

	out := make([]core.Entity, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := strings.ToLower(out[i].Text), strings.ToLower(out[j].Text)
		if ti != tj {
			return ti < tj
		}
		return strings.ToLower(out[i].Label) < strings.ToLower(out[j].Label)
	})
	return out
}

// MergeAll merges the entity lists of all members into one deduplicated list.
func MergeAll(lists [][]core.Entity) []core.Entity {
	var merged []core.Entity
	for _, l := range lists {
		merged = MergeEntities(merged, l)
	}
	return merged
}
