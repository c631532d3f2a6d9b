package agentbus

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the declarative broker configuration, typically loaded from a
// YAML file. Channels listed here are created at FromConfig time so agents
// find them pre-declared instead of relying on publish-time auto-creation.
type Config struct {
	// Transport names a registered transport factory, e.g. "memory".
	Transport string `yaml:"transport"`

	// TransportConfig is handed to the transport factory unchanged.
	TransportConfig map[string]any `yaml:"transport_config"`

	// EventWorkers and EventBuffer size the async observer pool.
	EventWorkers int `yaml:"event_workers"`
	EventBuffer  int `yaml:"event_buffer"`

	// Channels are created during FromConfig; a missing type is inferred
	// from the name.
	Channels []Channel `yaml:"channels"`
}

// DefaultConfig returns a memory-transport config with pool defaults.
func DefaultConfig() Config {
	return Config{
		Transport:    "memory",
		EventWorkers: 4,
		EventBuffer:  1000,
	}
}

// Validate checks the config without constructing anything.
func (c Config) Validate() error {
	if c.Transport == "" {
		return validationErr("transport", "transport name is required")
	}
	if c.EventWorkers < 0 {
		return validationErr("event_workers", "must be >= 0")
	}
	if c.EventBuffer < 0 {
		return validationErr("event_buffer", "must be >= 0")
	}
	for i := range c.Channels {
		ch := c.Channels[i].withDefaults()
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %d (%s): %w", i, c.Channels[i].Name, err)
		}
	}
	return nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// FromConfig builds a broker from a declarative config and pre-creates its
// channels.
func FromConfig(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := NewBuilder().
		WithTransport(cfg.Transport, cfg.TransportConfig).
		WithEventPool(cfg.EventWorkers, cfg.EventBuffer).
		Build()
	if err != nil {
		return nil, err
	}
	for _, ch := range cfg.Channels {
		if ch.Type == "" {
			ch.Type = inferChannelType(ch.Name)
		}
		if err := b.CreateChannel(ch); err != nil {
			_ = b.Close(context.Background())
			return nil, fmt.Errorf("create channel %s: %w", ch.Name, err)
		}
	}
	return b, nil
}
