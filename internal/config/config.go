// Package config - process configuration (spec §4.I)
//
// What: The single YAML document a gmunode process loads at start: the
// cluster's node list (for internal/vclock's ClusterSnapshot), this node's
// own id and listen address, its peers' addresses (for internal/transport
// and internal/cluster's Distribution), and the two timeouts the core's
// suspension points are parameterized by (spec §4.B/§4.C/§5).
// How: A plain yaml.Unmarshal into tagged structs, in tinySQL's
// examples.yml fixture-loading style (internal/testhelper/examples_test.go)
// — no schema validation library, no env-var layering, no file watching.
// Why: Config is loaded once at process start; the core itself never reads
// it — everything downstream takes explicit constructor parameters (spec §9
// design note), so config's only job is to turn YAML bytes into the
// concrete values those constructors want.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node describes one member of the cluster.
type Node struct {
	ID      int    `yaml:"id"`
	Address string `yaml:"address"`
}

// Diagnostics configures the optional periodic commit-log dump (spec §4.J).
type Diagnostics struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Path     string `yaml:"path"`
}

// Config is the top-level shape of a gmunode YAML config file.
type Config struct {
	Self  int    `yaml:"self"`
	Nodes []Node `yaml:"nodes"`

	// Timeouts are given in whole seconds in the YAML file (yaml.v3 has no
	// special handling for time.Duration's string form); zero means wait
	// forever at that suspension point (spec §4.B/§4.C/§5).
	SnapshotWaitTimeoutSeconds int64 `yaml:"snapshot_wait_timeout_seconds"`
	CommitWaitTimeoutSeconds   int64 `yaml:"commit_wait_timeout_seconds"`

	Diagnostics Diagnostics `yaml:"diagnostics"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: no nodes configured")
	}
	found := false
	for _, n := range c.Nodes {
		if n.ID == c.Self {
			found = true
		}
		if n.Address == "" {
			return fmt.Errorf("config: node %d has no address", n.ID)
		}
	}
	if !found {
		return fmt.Errorf("config: self id %d is not in the node list", c.Self)
	}
	return nil
}

// SnapshotWaitTimeout returns the configured snapshot-wait timeout as a
// time.Duration.
func (c *Config) SnapshotWaitTimeout() time.Duration {
	return time.Duration(c.SnapshotWaitTimeoutSeconds) * time.Second
}

// CommitWaitTimeout returns the configured commit-wait timeout as a
// time.Duration.
func (c *Config) CommitWaitTimeout() time.Duration {
	return time.Duration(c.CommitWaitTimeoutSeconds) * time.Second
}

// Addresses returns the node-id → address map, for internal/cluster's
// Distribution constructor.
func (c *Config) Addresses() map[int]string {
	out := make(map[int]string, len(c.Nodes))
	for _, n := range c.Nodes {
		out[n.ID] = n.Address
	}
	return out
}

// SelfAddress returns this node's own listen address.
func (c *Config) SelfAddress() string {
	for _, n := range c.Nodes {
		if n.ID == c.Self {
			return n.Address
		}
	}
	return ""
}

// PeerAddresses returns every other node's address, keyed by id.
func (c *Config) PeerAddresses() map[int]string {
	out := make(map[int]string)
	for _, n := range c.Nodes {
		if n.ID != c.Self {
			out[n.ID] = n.Address
		}
	}
	return out
}
