package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg)
	cfg.Engine.ApplyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment. Environment
// values win over file values so credentials never need to live on disk.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARI_PASSWORD"); v != "" {
		cfg.ARI.Password = v
	}
	if v := os.Getenv("SPEECH_API_KEY"); v != "" {
		cfg.Speech.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeInbound
	} else if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: inbound, outbound", cfg.Mode))
	}

	if cfg.ARI.BaseURL == "" {
		errs = append(errs, errors.New("ari.base_url is required"))
	}
	if cfg.ARI.Application == "" {
		errs = append(errs, errors.New("ari.application is required"))
	}

	if cfg.Speech.APIKey == "" {
		errs = append(errs, errors.New("speech.api_key is required (or set SPEECH_API_KEY)"))
	}

	if cfg.Store.Addr == "" {
		errs = append(errs, errors.New("store.addr is required (or set REDIS_ADDR)"))
	}

	seen := make(map[string]int, len(cfg.Bots))
	for i, bot := range cfg.Bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if bot.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if bot.Domain == "" {
			errs = append(errs, fmt.Errorf("%s.domain is required", prefix))
		}
		if bot.Engine != "" && !bot.Engine.IsValid() {
			errs = append(errs, fmt.Errorf("%s.engine %q is invalid; valid values: strict, duplex", prefix, bot.Engine))
		}
		if prev, dup := seen[bot.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates bots[%d]", prefix, bot.Name, prev))
		}
		seen[bot.Name] = i
	}

	return errors.Join(errs...)
}
