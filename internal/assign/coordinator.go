// Package assign orchestrates the assignment of one enriched article to an
// event: candidate retrieval from the vector index, hard-constraint
// filtering, hybrid scoring with boosts, optional LLM arbitration and the
// final seed-or-link decision.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pluriform/internal/arbiter"
	"pluriform/internal/config"
	"pluriform/internal/core"
	"pluriform/internal/features"
	"pluriform/internal/logger"
	"pluriform/internal/persistence"
	"pluriform/internal/scoring"
	"pluriform/internal/vectorindex"
)

// crossTypeFloor is the raw score a cross-type candidate must reach to stay
// in the running. High enough to reject weak cross-type matches, low enough
// that a genuinely cross-cutting story can still be rescued by arbitration.
const crossTypeFloor = 0.70

const (
	locationBoost = 0.10
	dateBoost     = 0.05
)

// crimeMaxGap is the maximum distance between a crime article and a crime
// event before the candidate is dropped. Local incidents resolve fast.
const crimeMaxGap = 48 * time.Hour

// crimeEntityFloor is the minimum any-entity Jaccard between two crime-typed
// sides when one of them has no extracted locations.
const crimeEntityFloor = 0.50

// VectorIndex is the slice of the index the coordinator uses.
type VectorIndex interface {
	EnsureReady(ctx context.Context, repo vectorindex.SnapshotSource) error
	Query(ctx context.Context, embedding []float64, topK int) ([]vectorindex.Candidate, error)
	Upsert(ctx context.Context, eventID string, embedding []float64, lastUpdatedAt time.Time) error
}

// InsightScheduler receives fire-and-forget regeneration requests.
type InsightScheduler interface {
	Schedule(eventID string) bool
}

// Coordinator implements the assignment protocol.
type Coordinator struct {
	repo     persistence.EventRepository
	index    VectorIndex
	arbiter  arbiter.Arbiter  // nil disables arbitration
	insights InsightScheduler // nil disables insight scheduling
	cfg      *config.Config
	params   scoring.Params
	now      func() time.Time
}

// NewCoordinator wires the coordinator. arb and insights may be nil.
func NewCoordinator(repo persistence.EventRepository, index VectorIndex, arb arbiter.Arbiter, insights InsightScheduler, cfg *config.Config) *Coordinator {
	return &Coordinator{
		repo:     repo,
		index:    index,
		arbiter:  arb,
		insights: insights,
		cfg:      cfg,
		params:   scoring.ParamsFromConfig(cfg.Events.Score),
		now:      time.Now,
	}
}

// candidate is one surviving event with its evaluation state.
type candidate struct {
	event     core.Event
	members   []core.Article
	breakdown core.ScoreBreakdown
}

// Assign decides where one article belongs. A nil result means the article
// was skipped (missing or without embedding); errors are genuine
// persistence failures.
func (c *Coordinator) Assign(ctx context.Context, articleID string) (*core.AssignmentResult, error) {
	article, err := c.repo.GetArticle(ctx, articleID)
	if errors.Is(err, persistence.ErrArticleNotFound) {
		logger.Warn("article not found, skipping assignment", "article_id", articleID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	af := features.FromArticle(article)
	if !af.HasEmbedding() {
		logger.Warn("article has no embedding, skipping assignment", "article_id", articleID)
		return nil, nil
	}

	if err := c.index.EnsureReady(ctx, c.repo); err != nil {
		if errors.Is(err, vectorindex.ErrDimensionMismatch) {
			return nil, err
		}
		logger.Warn("vector index unavailable, seeding without candidates", "article_id", articleID, "reason", err.Error())
		return c.seed(ctx, article)
	}

	candidates, err := c.collectCandidates(ctx, article, af)
	if err != nil {
		return nil, err
	}

	chosen, decision := c.arbitrate(ctx, article, candidates)

	threshold := c.cfg.Events.Score.Threshold
	if chosen != nil && (decision == "llm" || chosen.breakdown.BoostedFinal >= threshold) {
		return c.link(ctx, chosen, article, decision, threshold)
	}
	return c.seed(ctx, article)
}

// AssignPending assigns up to limit unassigned articles sequentially and
// returns the results of the articles that were not skipped.
func (c *Coordinator) AssignPending(ctx context.Context, limit int) ([]core.AssignmentResult, error) {
	articles, err := c.repo.ListUnassigned(ctx, limit)
	if err != nil {
		return nil, err
	}

	var results []core.AssignmentResult
	for i := range articles {
		result, err := c.Assign(ctx, articles[i].ID)
		if err != nil {
			return results, fmt.Errorf("failed to assign article %s: %w", articles[i].ID, err)
		}
		if result != nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

// collectCandidates queries the index, loads candidate events with their
// members, scores each pair and applies the hard constraints and boosts.
// The result is sorted by boosted score descending.
func (c *Coordinator) collectCandidates(ctx context.Context, article *core.Article, af features.ArticleFeatures) ([]candidate, error) {
	hits, err := c.index.Query(ctx, af.Embedding, c.cfg.Events.CandidateTopK)
	if err != nil {
		// A broken index means no candidates; seeding is the safe outcome.
		logger.Warn("vector index query failed, treating as no candidates", "article_id", article.ID, "reason", err.Error())
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.EventID)
	}
	events, err := c.repo.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var out []candidate
	for i := range events {
		ev := events[i]
		members, err := c.repo.GetMemberArticles(ctx, ev.ID)
		if err != nil {
			return nil, err
		}

		ef := features.FromEvent(&ev)
		b := scoring.Score(af, ef, c.params, now)

		if dropped, reason := c.gate(af, ef, &ev, members, b); dropped {
			logger.Debug("candidate dropped", "article_id", article.ID, "event_id", ev.ID, "reason", reason)
			continue
		}

		b.LocationBoost, b.DateBoost = boosts(af, members)
		b.BoostedFinal = b.Final + b.LocationBoost + b.DateBoost

		out = append(out, candidate{event: ev, members: members, breakdown: b})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].breakdown.BoostedFinal > out[j].breakdown.BoostedFinal
	})
	return out, nil
}

// gate applies the hard constraints to one candidate.
func (c *Coordinator) gate(af features.ArticleFeatures, ef features.EventFeatures, ev *core.Event, members []core.Article, b core.ScoreBreakdown) (bool, string) {
	if af.EventType != ev.EventType && b.Final < crossTypeFloor {
		return true, "type gate"
	}

	if minOverlap := c.cfg.Events.Score.MinEntityOverlap; minOverlap > 0 &&
		len(af.Entities) > 0 && len(ef.Entities) > 0 && b.Entities < minOverlap {
		return true, "entity overlap below minimum"
	}

	if af.EventType == core.EventTypeCrime && ev.EventType == core.EventTypeCrime {
		eventLocations := memberLocations(members)
		switch {
		case len(af.Locations) > 0 && len(eventLocations) > 0 && disjoint(af.Locations, eventLocations):
			return true, "crime locations disjoint"
		case (len(af.Locations) == 0 || len(eventLocations) == 0) &&
			scoring.Jaccard(af.Entities, ef.Entities) < crimeEntityFloor:
			return true, "crime without shared location or entities"
		}

		gap := af.Reference.Sub(ev.LastUpdatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > crimeMaxGap {
			return true, "crime temporal gap"
		}
	}

	return false, ""
}

// boosts computes the additive location and date boosts against the
// candidate's member articles.
func boosts(af features.ArticleFeatures, members []core.Article) (location, date float64) {
	for i := range members {
		mf := features.FromArticle(&members[i])
		if location == 0 && !disjoint(af.Locations, mf.Locations) {
			location = locationBoost
		}
		if date == 0 && !disjoint(af.Dates, mf.Dates) {
			date = dateBoost
		}
		if location != 0 && date != 0 {
			break
		}
	}
	return location, date
}

// arbitrate runs the optional LLM step and returns the chosen candidate (nil
// means seed) plus the decision label for the breakdown.
func (c *Coordinator) arbitrate(ctx context.Context, article *core.Article, candidates []candidate) (*candidate, string) {
	if len(candidates) == 0 {
		return nil, "score"
	}
	top := &candidates[0]

	if !c.cfg.Events.LLM.Enabled || c.arbiter == nil {
		return top, "score"
	}

	// A clear top match with real entity overlap does not need the model.
	if top.breakdown.BoostedFinal >= c.cfg.Events.Score.Threshold &&
		top.breakdown.Entities >= c.cfg.Events.Score.LowEntityLLMThreshold {
		return top, "score"
	}

	eligible := make([]*candidate, 0, c.cfg.Events.LLM.TopN)
	for i := range candidates {
		if len(eligible) == c.cfg.Events.LLM.TopN {
			break
		}
		if candidates[i].breakdown.BoostedFinal >= c.cfg.Events.LLM.MinScore {
			eligible = append(eligible, &candidates[i])
		}
	}
	if len(eligible) == 0 {
		return top, "score"
	}

	capsules := make([]arbiter.CandidateCapsule, len(eligible))
	for i, cand := range eligible {
		capsules[i] = arbiter.CapsuleFromEvent(&cand.event)
	}

	decision, err := c.arbiter.Decide(ctx, arbiter.CapsuleFromArticle(article), capsules)
	if err != nil {
		logger.Warn("arbitration failed, falling back to score", "article_id", article.ID, "reason", err.Error())
		return top, "score"
	}

	switch decision.Kind {
	case arbiter.DecisionExisting:
		for _, cand := range eligible {
			if cand.event.ID == decision.EventID {
				return cand, "llm"
			}
		}
		logger.Warn("arbiter picked unknown event, falling back to score", "article_id", article.ID, "event_id", decision.EventID)
		return top, "score"
	case arbiter.DecisionNew:
		return nil, "llm"
	default:
		return top, "score"
	}
}

// link appends the article to the chosen event and updates the index.
func (c *Coordinator) link(ctx context.Context, chosen *candidate, article *core.Article, decision string, threshold float64) (*core.AssignmentResult, error) {
	b := chosen.breakdown
	b.Decision = decision

	event := chosen.event
	if _, err := c.repo.AppendArticleToEvent(ctx, &event, article, b.BoostedFinal, b, c.now()); err != nil {
		return nil, fmt.Errorf("failed to link article %s to event %s: %w", article.ID, event.ID, err)
	}

	c.reconcile(ctx, &event)
	logger.Info("article linked to event",
		"article_id", article.ID, "event_id", event.ID,
		"score", b.BoostedFinal, "decision", decision, "members", event.ArticleCount)

	return &core.AssignmentResult{
		ArticleID: article.ID,
		EventID:   event.ID,
		Created:   false,
		Score:     b.BoostedFinal,
		Threshold: threshold,
		Breakdown: b,
	}, nil
}

// seed creates a new event from the article and links it with a synthetic
// full-similarity breakdown.
func (c *Coordinator) seed(ctx context.Context, article *core.Article) (*core.AssignmentResult, error) {
	now := c.now()
	event, err := c.repo.CreateEventSkeleton(ctx, article, now)
	if err != nil {
		return nil, fmt.Errorf("failed to seed event for article %s: %w", article.ID, err)
	}

	b := core.ScoreBreakdown{
		Embedding: 1, TFIDF: 1, Entities: 1, TimeDecay: 1,
		Combined: 1, Final: 1, BoostedFinal: 1,
		Decision: "seed",
	}
	if _, err := c.repo.AppendArticleToEvent(ctx, event, article, 1.0, b, now); err != nil {
		return nil, fmt.Errorf("failed to link seed article %s: %w", article.ID, err)
	}

	c.reconcile(ctx, event)
	logger.Info("event seeded", "article_id", article.ID, "event_id", event.ID, "slug", event.Slug)

	return &core.AssignmentResult{
		ArticleID: article.ID,
		EventID:   event.ID,
		Created:   true,
		Score:     1.0,
		Threshold: c.cfg.Events.Score.Threshold,
		Breakdown: b,
	}, nil
}

// reconcile pushes the committed centroid into the index and schedules the
// insight regeneration. Index failures are warnings; maintenance repairs
// drift on its next run.
func (c *Coordinator) reconcile(ctx context.Context, event *core.Event) {
	if err := c.index.Upsert(ctx, event.ID, event.Centroid, event.LastUpdatedAt); err != nil {
		logger.Warn("failed to upsert centroid into vector index", "event_id", event.ID, "reason", err.Error())
	}
	if c.insights != nil && c.cfg.Insights.AutoGenerate {
		c.insights.Schedule(event.ID)
	}
}
