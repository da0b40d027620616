package config

import (
	"errors"
	"fmt"
	"io/fs"
)

// Config is the parsed main config file (~/.snow/config.json).
//
// The snowcfg section is the default model configuration; profiles are
// complete alternatives selectable per sub-agent or per request.
type Config struct {
	Snowcfg  ModelConfig            `json:"snowcfg" yaml:"snowcfg"`
	Profiles map[string]ModelConfig `json:"profiles,omitempty" yaml:"profiles"`

	Server   ServerConfig   `json:"server,omitempty" yaml:"server"`
	Logging  LoggingConfig  `json:"logging,omitempty" yaml:"logging"`
	Tracing  TracingConfig  `json:"tracing,omitempty" yaml:"tracing"`
	Sessions SessionsConfig `json:"sessions,omitempty" yaml:"sessions"`
	Hooks    HooksConfig    `json:"hooks,omitempty" yaml:"hooks"`

	// YOLO approves every tool call without asking.
	YOLO bool `json:"yolo,omitempty" yaml:"yolo"`
}

// Load reads and validates a config file. JSON5 and YAML are accepted;
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads ~/.snow/config.json. A missing file yields the
// built-in defaults so a fresh install can start without setup, though
// provider calls will fail until snowcfg is filled in.
func LoadDefault(paths *Paths) (*Config, error) {
	cfg, err := Load(paths.ConfigFile())
	if errors.Is(err, fs.ErrNotExist) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

// Model resolves the effective model configuration. An empty name
// returns the snowcfg section; otherwise the named profile, inheriting
// credentials from snowcfg when the profile leaves them blank.
func (c *Config) Model(name string) (ModelConfig, error) {
	if name == "" {
		return c.Snowcfg, nil
	}
	profile, ok := c.Profiles[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("config profile %q not found", name)
	}
	if profile.BaseURL == "" {
		profile.BaseURL = c.Snowcfg.BaseURL
	}
	if profile.APIKey == "" {
		profile.APIKey = c.Snowcfg.APIKey
	}
	profile.applyDefaults()
	return profile, nil
}

func applyDefaults(cfg *Config) {
	cfg.Snowcfg.applyDefaults()
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5005
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Sessions.JanitorSchedule == "" {
		cfg.Sessions.JanitorSchedule = "@hourly"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "snow"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func (c *Config) validate() error {
	// snowcfg may be left blank on a fresh install; validate it only
	// once something is set.
	if c.Snowcfg.RequestMethod != "" || c.Snowcfg.AdvancedModel != "" {
		if err := c.Snowcfg.validate(); err != nil {
			return fmt.Errorf("snowcfg: %w", err)
		}
	}
	for name, profile := range c.Profiles {
		p := profile
		p.applyDefaults()
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	if err := c.Hooks.validate(); err != nil {
		return err
	}
	return nil
}

// Configured reports whether snowcfg carries enough to talk to a
// provider.
func (c *Config) Configured() bool {
	return c.Snowcfg.RequestMethod != "" && c.Snowcfg.AdvancedModel != ""
}
