package arbiter

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/genai"

	"pluriform/internal/config"
	"pluriform/internal/logger"
)

// GeminiArbiter implements Arbiter against the Gemini API.
type GeminiArbiter struct {
	client     *genai.Client
	modelName  string
	timeout    time.Duration
	maxRetries int
}

// NewGeminiArbiter creates an arbiter from the llm configuration section.
// The API key comes from GEMINI_API_KEY or gemini.api_key in the config.
func NewGeminiArbiter(cfg *config.Config) (*GeminiArbiter, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = viper.GetString("gemini.api_key")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required: set GEMINI_API_KEY or gemini.api_key in config")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiArbiter{
		client:     client,
		modelName:  cfg.Events.LLM.Model,
		timeout:    cfg.LLMTimeout(),
		maxRetries: cfg.Events.LLM.MaxRetries,
	}, nil
}

// Decide sends the arbitration prompt and parses the one-line verdict. It
// retries transient failures with exponential backoff; an exhausted retry
// budget returns the last error.
func (g *GeminiArbiter) Decide(ctx context.Context, article ArticleCapsule, candidates []CandidateCapsule) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{Kind: DecisionNew}, nil
	}

	prompt := buildPrompt(article, candidates)

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Warn("retrying arbitration", "attempt", attempt, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Decision{Kind: DecisionUnclear}, ctx.Err()
			}
		}

		answer, err := g.generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		return ParseDecision(answer, candidates), nil
	}
	return Decision{Kind: DecisionUnclear}, fmt.Errorf("arbitration failed after %d attempts: %w", g.maxRetries+1, lastErr)
}

func (g *GeminiArbiter) generate(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := g.client.Models.GenerateContent(callCtx, g.modelName, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.0),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}
