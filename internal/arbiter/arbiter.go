// Package arbiter asks an LLM to resolve ambiguous article-to-event
// assignments that scoring alone cannot decide.
package arbiter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pluriform/internal/core"
)

// DecisionKind classifies an arbitration verdict.
type DecisionKind string

const (
	// DecisionExisting means the article belongs to one of the candidates.
	DecisionExisting DecisionKind = "existing"
	// DecisionNew means the article starts a new event.
	DecisionNew DecisionKind = "new"
	// DecisionUnclear means the model answer could not be interpreted.
	DecisionUnclear DecisionKind = "unclear"
)

// Decision is the outcome of one arbitration.
type Decision struct {
	Kind    DecisionKind
	EventID string // set when Kind is DecisionExisting
	Raw     string // verbatim model answer, for logging
}

// ArticleCapsule is the compact article view shown to the model.
type ArticleCapsule struct {
	Title       string
	Excerpt     string
	EventType   core.EventType
	Locations   []string
	PublishedAt *time.Time
}

// CandidateCapsule is the compact candidate-event view shown to the model.
type CandidateCapsule struct {
	EventID       string
	Title         string
	Summary       string
	EventType     core.EventType
	ArticleCount  int
	LastUpdatedAt time.Time
}

// Arbiter decides whether an article joins one of the candidate events or
// starts a new one.
type Arbiter interface {
	Decide(ctx context.Context, article ArticleCapsule, candidates []CandidateCapsule) (Decision, error)
}

const excerptLimit = 1200

// CapsuleFromArticle builds the model-facing view of an article. The body is
// truncated to keep the prompt bounded.
func CapsuleFromArticle(a *core.Article) ArticleCapsule {
	body := a.Content
	if a.Summary != "" {
		body = a.Summary
	}
	return ArticleCapsule{
		Title:       a.Title,
		Excerpt:     excerpt(body),
		EventType:   a.EventType,
		Locations:   a.Locations,
		PublishedAt: a.PublishedAt,
	}
}

// CapsuleFromEvent builds the model-facing view of a candidate event.
func CapsuleFromEvent(e *core.Event) CandidateCapsule {
	return CandidateCapsule{
		EventID:       e.ID,
		Title:         e.Title,
		Summary:       excerpt(e.Description),
		EventType:     e.EventType,
		ArticleCount:  e.ArticleCount,
		LastUpdatedAt: e.LastUpdatedAt,
	}
}

// excerpt bounds a body for the prompt, cutting on a rune boundary so the
// capsule stays valid UTF-8.
func excerpt(body string) string {
	if len(body) <= excerptLimit {
		return body
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

// buildPrompt renders the arbitration prompt. Candidates are numbered from 1
// so the model can answer EVENT_k.
func buildPrompt(article ArticleCapsule, candidates []CandidateCapsule) string {
	var sb strings.Builder

	sb.WriteString("You are a news editor grouping Dutch news articles into events. ")
	sb.WriteString("An event is one concrete real-world happening covered by multiple outlets.\n\n")

	sb.WriteString("ARTICLE:\n")
	sb.WriteString("Title: ")
	sb.WriteString(article.Title)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Category: %s\n", article.EventType))
	if len(article.Locations) > 0 {
		sb.WriteString("Locations: ")
		sb.WriteString(strings.Join(article.Locations, ", "))
		sb.WriteString("\n")
	}
	if article.PublishedAt != nil {
		sb.WriteString("Published: ")
		sb.WriteString(article.PublishedAt.Format("2006-01-02"))
		sb.WriteString("\n")
	}
	sb.WriteString("Text: ")
	sb.WriteString(article.Excerpt)
	sb.WriteString("\n\n")

	sb.WriteString("CANDIDATE EVENTS:\n")
	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("EVENT_%d: %s\n", i+1, c.Title))
		sb.WriteString(fmt.Sprintf("  Category: %s, articles: %d, last update: %s\n",
			c.EventType, c.ArticleCount, c.LastUpdatedAt.Format("2006-01-02")))
		if c.Summary != "" {
			sb.WriteString("  Summary: ")
			sb.WriteString(c.Summary)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString("TASK:\n")
	sb.WriteString("Does the article report on the same concrete happening as one of the candidate events?\n")
	sb.WriteString("Answer with exactly one line:\n")
	sb.WriteString(fmt.Sprintf("- EVENT_k (1-%d) if it belongs to that candidate\n", len(candidates)))
	sb.WriteString("- NEW_EVENT if it is a different happening\n")

	return sb.String()
}

var decisionPattern = regexp.MustCompile(`(?i)\bEVENT[_ ](\d+)\b`)

// ParseDecision interprets a model answer against n candidates. NEW_EVENT
// (or NEW EVENT) means a new event; EVENT_k with k in 1..n picks candidate
// k. Anything else is unclear.
func ParseDecision(raw string, candidates []CandidateCapsule) Decision {
	answer := strings.TrimSpace(raw)
	upper := strings.ToUpper(answer)

	if strings.Contains(upper, "NEW_EVENT") || strings.Contains(upper, "NEW EVENT") {
		return Decision{Kind: DecisionNew, Raw: answer}
	}

	if m := decisionPattern.FindStringSubmatch(answer); m != nil {
		k, err := strconv.Atoi(m[1])
		if err == nil && k >= 1 && k <= len(candidates) {
			return Decision{
				Kind:    DecisionExisting,
				EventID: candidates[k-1].EventID,
				Raw:     answer,
			}
		}
	}

	return Decision{Kind: DecisionUnclear, Raw: answer}
}
