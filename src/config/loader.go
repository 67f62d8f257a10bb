package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix namespaces all environment overrides, e.g.
	// RECALL_BACKEND_KIND=milvus.
	EnvPrefix = "RECALL_"
	delimiter = "."
)

// Load builds the configuration from defaults, then an optional file, then
// environment variables, each layer overriding the previous one.
func Load(path string) (Config, error) {
	k := koanf.New(delimiter)
	defaults := Default()

	if err := k.Load(confmap.Provider(map[string]any{
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"backend.kind":             defaults.Backend.Kind,
		"backend.address":          defaults.Backend.Address,
		"backend.token":            defaults.Backend.Token,
		"backend.timeout":          defaults.Backend.Timeout,
		"backend.data_dir":         defaults.Backend.DataDir,
		"memory.collection":        defaults.Memory.Collection,
		"memory.dim":               defaults.Memory.Dim,
		"memory.top_k":             defaults.Memory.TopK,
		"memory.threshold":         defaults.Memory.Threshold,
		"memory.max_visible":       defaults.Memory.MaxVisible,
		"memory.count_trigger":     defaults.Memory.CountTrigger,
		"memory.session_isolation": defaults.Memory.SessionIsolation,
		"memory.persona_filter":    defaults.Memory.PersonaFilter,
		"memory.prompt":            defaults.Memory.Prompt,
		"embedding.provider":       defaults.Embedding.Provider,
		"embedding.model":          defaults.Embedding.Model,
		"embedding.api_key":        defaults.Embedding.APIKey,
		"embedding.base_url":       defaults.Embedding.BaseURL,
		"embedding.cache_size":     defaults.Embedding.CacheSize,
		"embedding.cache_ttl":      defaults.Embedding.CacheTTL,
		"summarizer.provider":      defaults.Summarizer.Provider,
		"summarizer.model":         defaults.Summarizer.Model,
		"summarizer.api_key":       defaults.Summarizer.APIKey,
		"summarizer.base_url":      defaults.Summarizer.BaseURL,
		"scheduler.enabled":        defaults.Scheduler.Enabled,
		"scheduler.interval":       defaults.Scheduler.Interval,
		"scheduler.idle_threshold": defaults.Scheduler.IdleThreshold,
		"scheduler.max_concurrent": defaults.Scheduler.MaxConcurrent,
		"migrate.batch_size":       defaults.Migrate.BatchSize,
	}, delimiter), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, delimiter, func(s string) string {
		// RECALL_BACKEND_KIND -> backend.kind
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: env: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: file %s: %w", path, err)
	}
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = kyaml.Parser()
	case ".json":
		parser = kjson.Parser()
	default:
		return fmt.Errorf("config: unsupported file format %q", filepath.Ext(path))
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
