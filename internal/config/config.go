// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App         App         `mapstructure:"app"`
	Database    Database    `mapstructure:"database"`
	Events      Events      `mapstructure:"events"`
	VectorIndex VectorIndex `mapstructure:"vector_index"`
	Insights    Insights    `mapstructure:"insights"`
	Logging     Logging     `mapstructure:"logging"`
}

// App holds general application configuration.
type App struct {
	DataDir string `mapstructure:"data_dir"`
}

// Database holds relational store configuration.
type Database struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	ConnLifetime string `mapstructure:"conn_lifetime"`
}

// Events holds event detection configuration.
type Events struct {
	EmbeddingDimension      int    `mapstructure:"embedding_dimension"`
	CandidateTopK           int    `mapstructure:"candidate_top_k"`
	CandidateTimeWindowDays int    `mapstructure:"candidate_time_window_days"`
	RetentionDays           int    `mapstructure:"retention_days"`
	IndexRebuildOnDrift     bool   `mapstructure:"index_rebuild_on_drift"`
	Score                   Score  `mapstructure:"score"`
	LLM                     LLM    `mapstructure:"llm"`
}

// Score holds the hybrid similarity scoring parameters.
type Score struct {
	WeightEmbedding        float64 `mapstructure:"weight_embedding"`
	WeightTFIDF            float64 `mapstructure:"weight_tfidf"`
	WeightEntities         float64 `mapstructure:"weight_entities"`
	Threshold              float64 `mapstructure:"threshold"`
	TimeDecayHalfLifeHours float64 `mapstructure:"time_decay_half_life_hours"`
	TimeDecayFloor         float64 `mapstructure:"time_decay_floor"`
	MinEntityOverlap       float64 `mapstructure:"min_entity_overlap"`
	LowEntityLLMThreshold  float64 `mapstructure:"low_entity_llm_threshold"`
}

// LLM holds arbitration configuration.
type LLM struct {
	Enabled    bool    `mapstructure:"enabled"`
	TopN       int     `mapstructure:"top_n"`
	MinScore   float64 `mapstructure:"min_score"`
	Model      string  `mapstructure:"model"`
	Timeout    string  `mapstructure:"timeout"`
	MaxRetries int     `mapstructure:"max_retries"`
}

// VectorIndex holds the persisted ANN index configuration.
type VectorIndex struct {
	Path           string `mapstructure:"path"`
	MetadataPath   string `mapstructure:"metadata_path"`
	MaxElements    int    `mapstructure:"max_elements"`
	M              int    `mapstructure:"m"`
	EfConstruction int    `mapstructure:"ef_construction"`
	EfSearch       int    `mapstructure:"ef_search"`
}

// Insights holds insight auto-generation configuration.
type Insights struct {
	AutoGenerate bool   `mapstructure:"auto_generate"`
	TTL          string `mapstructure:"ttl"`
	QueueSize    int    `mapstructure:"queue_size"`
}

// Logging holds logging configuration.
type Logging struct {
	Level string `mapstructure:"level"`
}

var globalConfig *Config

// Load loads the configuration from file, environment and defaults.
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".pluriform")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	viper.SetEnvPrefix("PLURIFORM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if v := os.Getenv("DATABASE_URL"); v != "" {
		viper.Set("database.url", v)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

func setDefaults() {
	viper.SetDefault("app.data_dir", ".pluriform")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_lifetime", "5m")

	viper.SetDefault("events.embedding_dimension", 384)
	viper.SetDefault("events.candidate_top_k", 10)
	viper.SetDefault("events.candidate_time_window_days", 7)
	viper.SetDefault("events.retention_days", 14)
	viper.SetDefault("events.index_rebuild_on_drift", true)

	viper.SetDefault("events.score.weight_embedding", 0.6)
	viper.SetDefault("events.score.weight_tfidf", 0.3)
	viper.SetDefault("events.score.weight_entities", 0.1)
	viper.SetDefault("events.score.threshold", 0.82)
	viper.SetDefault("events.score.time_decay_half_life_hours", 48.0)
	viper.SetDefault("events.score.time_decay_floor", 0.35)
	viper.SetDefault("events.score.min_entity_overlap", 0.05)
	viper.SetDefault("events.score.low_entity_llm_threshold", 0.15)

	viper.SetDefault("events.llm.enabled", true)
	viper.SetDefault("events.llm.top_n", 3)
	viper.SetDefault("events.llm.min_score", 0.40)
	viper.SetDefault("events.llm.model", "gemini-flash-lite-latest")
	viper.SetDefault("events.llm.timeout", "120s")
	viper.SetDefault("events.llm.max_retries", 3)

	viper.SetDefault("vector_index.path", ".pluriform/events.index")
	viper.SetDefault("vector_index.metadata_path", ".pluriform/events.index.json")
	viper.SetDefault("vector_index.max_elements", 20000)
	viper.SetDefault("vector_index.m", 16)
	viper.SetDefault("vector_index.ef_construction", 200)
	viper.SetDefault("vector_index.ef_search", 100)

	viper.SetDefault("insights.auto_generate", true)
	viper.SetDefault("insights.ttl", "30m")
	viper.SetDefault("insights.queue_size", 64)

	viper.SetDefault("logging.level", "info")
}

// validateConfig refuses configurations the engine cannot run with.
func validateConfig(config *Config) error {
	var errors []string

	if config.Events.EmbeddingDimension <= 0 {
		errors = append(errors, fmt.Sprintf("events.embedding_dimension must be positive, got %d", config.Events.EmbeddingDimension))
	}

	totalWeight := config.Events.Score.WeightEmbedding + config.Events.Score.WeightTFIDF + config.Events.Score.WeightEntities
	if totalWeight <= 0 {
		errors = append(errors, "event score weights sum to zero; at least one weight must be positive")
	}

	if config.Events.Score.Threshold < 0 || config.Events.Score.Threshold > 1 {
		errors = append(errors, fmt.Sprintf("events.score.threshold must be in [0,1], got %g", config.Events.Score.Threshold))
	}

	durations := map[string]string{
		"events.llm.timeout":     config.Events.LLM.Timeout,
		"insights.ttl":           config.Insights.TTL,
		"database.conn_lifetime": config.Database.ConnLifetime,
	}
	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// LLMTimeout returns the parsed arbiter timeout.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.Events.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// InsightTTL returns the parsed insight regeneration TTL.
func (c *Config) InsightTTL() time.Duration {
	d, err := time.ParseDuration(c.Insights.TTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// Reset clears the global configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viper.Reset()
}
