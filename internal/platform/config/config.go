// Package config loads the node list of the admin tool from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shardq/project/internal/schema"
)

var ErrInvalidConfig = errors.New("invalid config")

type (
	Config struct {
		Nodes []NodeConfig `yaml:"nodes"`
		// ShardTableNode pins the node the shard table is read from.
		ShardTableNode  schema.ServerID `yaml:"shardTableNode"`
		RefreshInterval time.Duration   `yaml:"refreshInterval"`
		ProbeTimeout    time.Duration   `yaml:"probeTimeout"`
		// BootstrapShards fills an empty shard table with all ready nodes on start.
		BootstrapShards bool     `yaml:"bootstrapShards"`
		Queues          []string `yaml:"queues"`
		// Standalone runs the nodes without a shard table. Every node registers
		// in the not clustered bucket and messages are spread by shard modulo.
		Standalone bool `yaml:"standalone"`
	}

	NodeConfig struct {
		Name        string `yaml:"name"`
		DatabaseURL string `yaml:"databaseUrl"`
	}
)

const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultProbeTimeout    = 3 * time.Second
)

// Load reads path strictly: unknown fields are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromURLs builds a Config from plain database urls, naming nodes node-0, node-1, ...
func FromURLs(urls []string) Config {
	cfg := Config{}
	for i, url := range urls {
		cfg.Nodes = append(cfg.Nodes, NodeConfig{Name: fmt.Sprintf("node-%d", i), DatabaseURL: url})
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
}

func (c Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidConfig)
	}
	names := make(map[string]struct{}, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" || n.DatabaseURL == "" {
			return fmt.Errorf("%w: node %d needs name and databaseUrl", ErrInvalidConfig, i)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node name %q", ErrInvalidConfig, n.Name)
		}
		names[n.Name] = struct{}{}
	}
	if c.ShardTableNode != schema.NoServerID {
		if err := c.ShardTableNode.Validate(); err != nil {
			return fmt.Errorf("%w: shardTableNode: %w", ErrInvalidConfig, err)
		}
	}
	if c.Standalone && (c.ShardTableNode != schema.NoServerID || c.BootstrapShards) {
		return fmt.Errorf("%w: standalone nodes have no shard table", ErrInvalidConfig)
	}
	return nil
}
