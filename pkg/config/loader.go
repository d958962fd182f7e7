package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// convergioYAML is the top-level structure of convergio.yaml.
type convergioYAML struct {
	System    *SystemConfig             `yaml:"system"`
	Policy    *PolicyConfig             `yaml:"policy"`
	Budgets   *BudgetConfig             `yaml:"budgets"`
	Registry  *RegistryConfig           `yaml:"registry"`
	RAG       *RAGConfig                `yaml:"rag"`
	Safety    *SafetyConfig             `yaml:"safety"`
	Breaker   *BreakerConfig            `yaml:"breaker"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Pricing   *pricingYAML              `yaml:"pricing"`
}

type pricingYAML struct {
	Models            map[string]ModelPriceYAML `yaml:"models"`
	FallbackInPer1K   string                    `yaml:"fallback_input_per_1k,omitempty"`
	FallbackOutPer1K  string                    `yaml:"fallback_output_per_1k,omitempty"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. Steps:
//
//  1. Read convergio.yaml from configDir (missing file = defaults only)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Build the price table
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"priced_models", stats.Models)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := defaultConfig()
	cfg.configDir = configDir

	path := filepath.Join(configDir, "convergio.yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Warn("No convergio.yaml found, using built-in defaults", "path", path)
		return finishLoad(cfg, nil)
	}
	if err != nil {
		return nil, NewLoadError("convergio.yaml", err)
	}

	expanded := ExpandEnv(raw)
	var parsed convergioYAML
	if err := yaml.Unmarshal(expanded, &parsed); err != nil {
		return nil, NewLoadError("convergio.yaml", err)
	}

	if err := mergeUser(cfg, &parsed); err != nil {
		return nil, NewLoadError("convergio.yaml", err)
	}
	return finishLoad(cfg, parsed.Pricing)
}

// mergeUser overlays user-provided sections on the defaults. Mergo with
// override keeps default values for fields the user omitted.
func mergeUser(cfg *Config, user *convergioYAML) error {
	if user.System != nil {
		if err := mergo.Merge(cfg.System, user.System, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.Policy != nil {
		if err := mergo.Merge(cfg.Policy, user.Policy, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.Budgets != nil {
		if err := mergo.Merge(cfg.Budgets, user.Budgets, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.Registry != nil {
		if err := mergo.Merge(cfg.Registry, user.Registry, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.RAG != nil {
		if err := mergo.Merge(cfg.RAG, user.RAG, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.Safety != nil {
		if err := mergo.Merge(cfg.Safety, user.Safety, mergo.WithOverride); err != nil {
			return err
		}
	}
	if user.Breaker != nil {
		if err := mergo.Merge(cfg.Breaker, user.Breaker, mergo.WithOverride); err != nil {
			return err
		}
	}
	for name, provider := range user.Providers {
		cfg.Providers[name] = provider
	}
	return nil
}

func finishLoad(cfg *Config, pricing *pricingYAML) (*Config, error) {
	entries := map[string]ModelPriceYAML{}
	fallbackIn := defaultFallbackInputPer1K
	fallbackOut := defaultFallbackOutputPer1K
	if pricing != nil {
		entries = pricing.Models
		if pricing.FallbackInPer1K != "" {
			fallbackIn = pricing.FallbackInPer1K
		}
		if pricing.FallbackOutPer1K != "" {
			fallbackOut = pricing.FallbackOutPer1K
		}
	}

	table, err := NewPriceTable(entries, fallbackIn, fallbackOut)
	if err != nil {
		return nil, NewLoadError("convergio.yaml", err)
	}
	cfg.Pricing = table
	return cfg, nil
}
