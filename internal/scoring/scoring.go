// Package scoring computes the hybrid similarity between an article and a
// candidate event: a weighted mean of embedding cosine, sparse lexical
// cosine and typed entity overlap, modulated by time decay and an entity
// penalty.
package scoring

import (
	"math"
	"time"

	"pluriform/internal/config"
	"pluriform/internal/features"
	"pluriform/internal/logger"

	"pluriform/internal/core"
)

// Entity overlap axis weights. Each axis contributes only when both sides
// have a non-empty set of that type.
const (
	personAxisWeight   = 0.50
	locationAxisWeight = 0.30
	allAxisWeight      = 0.20
)

// Entity penalty steps. The lowest applicable factor wins; they do not stack.
const (
	penaltyLowOverlap     = 0.20
	penaltyLowFactor      = 0.90
	penaltyVeryLowOverlap = 0.10
	penaltyVeryLowFactor  = 0.80
)

// Params holds the tunable scoring parameters.
type Params struct {
	WeightEmbedding float64
	WeightTFIDF     float64
	WeightEntities  float64
	HalfLifeHours   float64 // 0 disables time decay
	DecayFloor      float64
}

// ParamsFromConfig maps the score section of the configuration to Params.
func ParamsFromConfig(cfg config.Score) Params {
	return Params{
		WeightEmbedding: cfg.WeightEmbedding,
		WeightTFIDF:     cfg.WeightTFIDF,
		WeightEntities:  cfg.WeightEntities,
		HalfLifeHours:   cfg.TimeDecayHalfLifeHours,
		DecayFloor:      cfg.TimeDecayFloor,
	}
}

// Score computes the full breakdown for one article/event pair. It is
// deterministic given (features, params, now) and never returns NaN:
// arithmetic edge cases resolve to zero on the affected axis.
func Score(af features.ArticleFeatures, ef features.EventFeatures, p Params, now time.Time) core.ScoreBreakdown {
	b := core.ScoreBreakdown{}

	b.Embedding = CosineDense(af.Embedding, ef.Embedding)
	b.TFIDF = CosineSparse(af.TFIDF, ef.TFIDF)

	overlap := EntityOverlap(af, ef)
	b.Entities = overlap

	total := p.WeightEmbedding + p.WeightTFIDF + p.WeightEntities
	if total <= 0 {
		logger.Warn("event score weights sum to zero, scoring disabled")
		return b
	}
	b.Combined = (p.WeightEmbedding*b.Embedding + p.WeightTFIDF*b.TFIDF + p.WeightEntities*b.Entities) / total

	reference := af.Reference
	if reference.IsZero() {
		reference = now
	}
	b.TimeDecay = timeDecay(reference, ef.LastUpdatedAt, p)

	penalty := 1.0
	switch {
	case overlap < penaltyVeryLowOverlap:
		penalty = penaltyVeryLowFactor
	case overlap < penaltyLowOverlap:
		penalty = penaltyLowFactor
	}

	b.Final = clamp01(b.Combined * b.TimeDecay * penalty)
	return b
}

// CosineDense is the cosine similarity of two dense vectors clamped to
// [0,1]. Empty vectors or zero norms yield 0.
func CosineDense(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	for _, x := range a {
		normA += x * x
	}
	for _, x := range b {
		normB += x * x
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// CosineSparse is the cosine similarity over the key intersection, with
// full-vector norms in the denominator, clamped to [0,1].
func CosineSparse(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Iterate the smaller map for the intersection.
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	var dot float64
	for k, x := range small {
		if y, ok := large[k]; ok {
			dot += x * y
		}
	}
	if dot == 0 {
		return 0
	}

	var normA, normB float64
	for _, x := range a {
		normA += x * x
	}
	for _, y := range b {
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// EntityOverlap is the weighted mean of three Jaccard indices: PERSON
// entities, location entities (GPE/LOC) and all entities. An axis
// contributes only when both sides have a non-empty set of that type.
// With no contributing typed axis, it falls back to plain Jaccard over
// the union entity sets.
func EntityOverlap(af features.ArticleFeatures, ef features.EventFeatures) float64 {
	var sum, weight float64

	if len(af.Persons) > 0 && len(ef.Persons) > 0 {
		sum += personAxisWeight * Jaccard(af.Persons, ef.Persons)
		weight += personAxisWeight
	}
	if len(af.LocationEnts) > 0 && len(ef.LocationEnts) > 0 {
		sum += locationAxisWeight * Jaccard(af.LocationEnts, ef.LocationEnts)
		weight += locationAxisWeight
	}
	if len(af.Entities) > 0 && len(ef.Entities) > 0 {
		sum += allAxisWeight * Jaccard(af.Entities, ef.Entities)
		weight += allAxisWeight
	}

	if weight == 0 {
		return Jaccard(af.Entities, ef.Entities)
	}
	return sum / weight
}

// Jaccard is |a ∩ b| / |a ∪ b|; 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}

	intersection := 0
	for k := range small {
		if _, ok := large[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// timeDecay is max(floor, 0.5^(Δh/halfLife)) with Δh the hours between the
// article reference time and the event's last update. Future-dated articles
// (Δh <= 0) and a zero half-life both yield 1.
func timeDecay(reference, lastUpdated time.Time, p Params) float64 {
	if p.HalfLifeHours <= 0 || reference.IsZero() || lastUpdated.IsZero() {
		return 1
	}
	deltaHours := reference.Sub(lastUpdated).Hours()
	if deltaHours <= 0 {
		return 1
	}
	decay := math.Pow(0.5, deltaHours/p.HalfLifeHours)
	if decay < p.DecayFloor {
		return p.DecayFloor
	}
	return decay
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
