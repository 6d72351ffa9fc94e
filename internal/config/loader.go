package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// The YAML file path is CONFIG_PATH, falling back to "./config.yaml". A
// missing default file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicitPath := path != ""
	if !explicitPath {
		path = "./config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if explicitPath {
			return nil, fmt.Errorf("config: file %s: %w", path, err)
		}
		path = ""
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path, or from ENV and defaults only when
// path is empty.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	cfg.Providers.applyProviderDefaults()
	cfg.Providers.applyEnvKeys()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyEnvKeys lets the conventional vendor env vars supply API keys.
func (p *ProvidersConfig) applyEnvKeys() {
	if p.Claude.APIKey == "" {
		p.Claude.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if p.OpenAI.APIKey == "" {
		p.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if p.HuggingFace.APIKey == "" {
		p.HuggingFace.APIKey = os.Getenv("HUGGINGFACE_API_KEY")
	}
}
