package cmd

import (
	"fmt"
	"time"

	"pluriform/internal/arbiter"
	"pluriform/internal/assign"
	"pluriform/internal/config"
	"pluriform/internal/logger"
	"pluriform/internal/maintenance"
	"pluriform/internal/persistence"
	"pluriform/internal/vectorindex"
)

// engine bundles the long-lived components a command needs.
type engine struct {
	cfg   *config.Config
	store *persistence.PostgresStore
	index *vectorindex.Index
}

// newEngine opens the repository and constructs the vector index. The
// caller must call close when done.
func newEngine() (*engine, error) {
	cfg := config.Get()

	store, err := persistence.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open event repository: %w", err)
	}

	index := vectorindex.New(indexOptions(cfg))
	return &engine{cfg: cfg, store: store, index: index}, nil
}

func indexOptions(cfg *config.Config) vectorindex.Options {
	return vectorindex.Options{
		Dimension:      cfg.Events.EmbeddingDimension,
		MaxElements:    cfg.VectorIndex.MaxElements,
		M:              cfg.VectorIndex.M,
		EfConstruction: cfg.VectorIndex.EfConstruction,
		EfSearch:       cfg.VectorIndex.EfSearch,
		Path:           cfg.VectorIndex.Path,
		MetadataPath:   cfg.VectorIndex.MetadataPath,
		RecencyWindow:  time.Duration(cfg.Events.CandidateTimeWindowDays) * 24 * time.Hour,
	}
}

// coordinator wires the assignment coordinator, including the optional
// Gemini arbiter. A missing API key disables arbitration with a warning
// rather than failing the command.
func (e *engine) coordinator() *assign.Coordinator {
	var arb arbiter.Arbiter
	if e.cfg.Events.LLM.Enabled {
		gemini, err := arbiter.NewGeminiArbiter(e.cfg)
		if err != nil {
			logger.Warn("arbitration disabled", "reason", err.Error())
		} else {
			arb = gemini
		}
	}
	return assign.NewCoordinator(e.store, e.index, arb, nil, e.cfg)
}

func (e *engine) maintenance() *maintenance.Service {
	return maintenance.NewService(e.store, e.index, e.cfg)
}

func (e *engine) close() {
	if err := e.index.Close(); err != nil {
		logger.Error("failed to persist vector index on shutdown", err)
	}
	if err := e.store.Close(); err != nil {
		logger.Error("failed to close event repository", err)
	}
}
