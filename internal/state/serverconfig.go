package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AuthRule grants a subject a set of actions, optionally restricted to
// specific jobs. An empty job list means all jobs.
type AuthRule struct {
	Subject string   `yaml:"subject"`
	Actions []string `yaml:"actions"`
	Jobs    []string `yaml:"jobs,omitempty"`
}

// ServerConfig is the controller-level document.
type ServerConfig struct {
	Listen        string     `yaml:"listen"`
	Home          string     `yaml:"home"`
	Workers       int        `yaml:"workers"`
	MaxQuietDelay Duration   `yaml:"maxQuietDelay,omitempty"`
	BuildsRoot    string     `yaml:"buildsRoot,omitempty"` // default external root template
	Auth          []AuthRule `yaml:"auth,omitempty"`
}

// JobsDir is where job meta directories live under the home.
func (c *ServerConfig) JobsDir() string { return filepath.Join(c.Home, "jobs") }

// WorkspacesDir is where build workspaces live under the home.
func (c *ServerConfig) WorkspacesDir() string { return filepath.Join(c.Home, "workspace") }

// EventsDBPath is the sqlite build event log.
func (c *ServerConfig) EventsDBPath() string { return filepath.Join(c.Home, "events.db") }

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Home == "" {
		c.Home = "./ci-home"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

// LoadServerConfig reads the server document, applying defaults for missing
// fields. A missing file yields the pure defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read server config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse server config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}
