package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full runtime configuration tree.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Migrate    MigrateConfig    `mapstructure:"migrate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type BackendConfig struct {
	Kind    string        `mapstructure:"kind" validate:"oneof=milvus local memory"`
	Address string        `mapstructure:"address"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
	DataDir string        `mapstructure:"data_dir"`
}

type MemoryConfig struct {
	Collection   string  `mapstructure:"collection" validate:"required"`
	Dim          int     `mapstructure:"dim" validate:"gt=0"`
	TopK         int     `mapstructure:"top_k" validate:"gt=0"`
	Threshold    float64 `mapstructure:"threshold" validate:"gte=0,lte=1"`
	MaxVisible   int     `mapstructure:"max_visible" validate:"gte=0"`
	CountTrigger int     `mapstructure:"count_trigger" validate:"gt=0"`
	// SessionIsolation restricts retrieval to the requesting session's
	// own records. Off means memories are shared across sessions.
	SessionIsolation bool `mapstructure:"session_isolation"`
	// PersonaFilter restricts retrieval to the requesting persona.
	PersonaFilter bool   `mapstructure:"persona_filter"`
	Prompt        string `mapstructure:"prompt"`
}

type EmbeddingConfig struct {
	Provider  string        `mapstructure:"provider" validate:"oneof=openai ollama voyage dummy"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	CacheSize int           `mapstructure:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl" validate:"min=0"`
}

type SummarizerConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=openai anthropic heuristic"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval" validate:"min=0"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold" validate:"min=0"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gte=0"`
}

type MigrateConfig struct {
	BatchSize int `mapstructure:"batch_size" validate:"gt=0"`
}

// Default returns the configuration used when nothing else is specified: a
// local store next to the binary, dummy embeddings, heuristic summaries.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Backend: BackendConfig{
			Kind:    "local",
			Address: "http://localhost:19530",
			Timeout: 5 * time.Second,
			DataDir: "recall-data",
		},
		Memory: MemoryConfig{
			Collection:       "recall_default",
			Dim:              1024,
			TopK:             5,
			CountTrigger:     10,
			SessionIsolation: true,
			PersonaFilter:    true,
		},
		Embedding: EmbeddingConfig{
			Provider:  "dummy",
			CacheSize: 2048,
			CacheTTL:  time.Hour,
		},
		Summarizer: SummarizerConfig{Provider: "heuristic"},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      time.Minute,
			IdleThreshold: time.Hour,
			MaxConcurrent: 4,
		},
		Migrate: MigrateConfig{BatchSize: 1000},
	}
}

// Validate checks the tree after loading.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: field %s failed rule %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
