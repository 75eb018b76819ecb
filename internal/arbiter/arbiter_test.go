package arbiter

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"pluriform/internal/core"
)

func testCandidates(n int) []CandidateCapsule {
	out := make([]CandidateCapsule, n)
	for i := range out {
		out[i] = CandidateCapsule{EventID: string(rune('a' + i))}
	}
	return out
}

func TestParseDecision(t *testing.T) {
	candidates := testCandidates(3)

	tests := []struct {
		name      string
		raw       string
		wantKind  DecisionKind
		wantEvent string
	}{
		{"new with underscore", "NEW_EVENT", DecisionNew, ""},
		{"new with space", "NEW EVENT", DecisionNew, ""},
		{"new lowercase", "new_event", DecisionNew, ""},
		{"new embedded in sentence", "I think this is a NEW EVENT.", DecisionNew, ""},
		{"first candidate", "EVENT_1", DecisionExisting, "a"},
		{"second candidate with space", "EVENT 2", DecisionExisting, "b"},
		{"third lowercase", "event_3", DecisionExisting, "c"},
		{"embedded pick", "The article belongs to EVENT_2 because of the location.", DecisionExisting, "b"},
		{"out of range high", "EVENT_4", DecisionUnclear, ""},
		{"out of range zero", "EVENT_0", DecisionUnclear, ""},
		{"empty", "", DecisionUnclear, ""},
		{"gibberish", "I cannot decide.", DecisionUnclear, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDecision(tt.raw, candidates)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.EventID != tt.wantEvent {
				t.Errorf("EventID = %q, want %q", got.EventID, tt.wantEvent)
			}
		})
	}
}

func TestCapsuleFromArticleTruncates(t *testing.T) {
	published := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := &core.Article{
		Title: "Lang artikel",
		// The diacritics place a rune straddling the excerpt limit.
		Content:     "n" + strings.Repeat("é", 3000),
		EventType:   core.EventTypeCrime,
		Locations:   []string{"Purmerend"},
		PublishedAt: &published,
	}

	capsule := CapsuleFromArticle(a)
	if len(capsule.Excerpt) > excerptLimit+3 {
		t.Errorf("excerpt length = %d, want <= %d", len(capsule.Excerpt), excerptLimit+3)
	}
	if !strings.HasSuffix(capsule.Excerpt, "...") {
		t.Error("truncated excerpt must end with ellipsis")
	}
	if !utf8.ValidString(capsule.Excerpt) {
		t.Error("truncated excerpt is not valid UTF-8")
	}
	if capsule.EventType != core.EventTypeCrime {
		t.Errorf("EventType = %v, want crime", capsule.EventType)
	}
}

func TestCapsuleFromEventTruncates(t *testing.T) {
	e := &core.Event{Title: "t", Description: "n" + strings.Repeat("é", 3000)}
	capsule := CapsuleFromEvent(e)
	if len(capsule.Summary) > excerptLimit+3 {
		t.Errorf("summary length = %d, want <= %d", len(capsule.Summary), excerptLimit+3)
	}
	if !utf8.ValidString(capsule.Summary) {
		t.Error("truncated summary is not valid UTF-8")
	}
}

func TestCapsuleFromArticlePrefersSummary(t *testing.T) {
	a := &core.Article{Title: "t", Content: "volledige tekst", Summary: "korte samenvatting"}
	if got := CapsuleFromArticle(a).Excerpt; got != "korte samenvatting" {
		t.Errorf("Excerpt = %q, want the summary", got)
	}
}

func TestBuildPromptNumbersCandidates(t *testing.T) {
	article := ArticleCapsule{Title: "Steekpartij in Purmerend", Excerpt: "..."}
	candidates := []CandidateCapsule{
		{EventID: "e1", Title: "Incident Purmerend", EventType: core.EventTypeCrime, ArticleCount: 3, LastUpdatedAt: time.Now()},
		{EventID: "e2", Title: "Incident Terneuzen", EventType: core.EventTypeCrime, ArticleCount: 1, LastUpdatedAt: time.Now()},
	}

	prompt := buildPrompt(article, candidates)
	for _, want := range []string{"EVENT_1", "EVENT_2", "NEW_EVENT", article.Title, "Incident Purmerend"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "EVENT_3") {
		t.Error("prompt numbers more candidates than given")
	}
}
