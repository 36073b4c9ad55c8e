// Package state persists the structured configuration this core consumes:
// job documents and the server document, both YAML.
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ubershmekel/jenkins/internal/cierrors"
	"github.com/ubershmekel/jenkins/internal/trigger"
)

// JobKindFreestyle is the only job kind this core executes itself.
const JobKindFreestyle = "freestyle"

// ConfigFileName is the job document inside the job's meta directory.
const ConfigFileName = "config.yaml"

// TriggerSpec is the persisted form of one trigger.
type TriggerSpec struct {
	Kind  string   `yaml:"kind,omitempty"`
	Every Duration `yaml:"every,omitempty"`
	Cron  string   `yaml:"cron,omitempty"`
}

func (s TriggerSpec) ToSpec() trigger.Spec {
	return trigger.Spec{Kind: s.Kind, Every: s.Every.Std(), Cron: s.Cron}
}

// TriggerList tolerates two on-disk layouts:
//
//	triggers:            # current, keyed by kind
//	  timer: {every: 5m}
//	  scm-poll: {every: 1m}
//
//	triggers:            # legacy, duplicate-tolerant sequence
//	  - {kind: timer, every: 5m}
//	  - {kind: timer, every: 10m}
//
// The sequence layout may carry duplicates; collapsing to one active trigger
// per kind happens at load time (last entry wins), not here.
type TriggerList []TriggerSpec

func (l *TriggerList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var specs []TriggerSpec
		if err := node.Decode(&specs); err != nil {
			return err
		}
		*l = specs
		return nil
	case yaml.MappingNode:
		// Keyed layout: pairs of (kind, spec).
		specs := make([]TriggerSpec, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var spec TriggerSpec
			if err := node.Content[i+1].Decode(&spec); err != nil {
				return err
			}
			spec.Kind = node.Content[i].Value
			specs = append(specs, spec)
		}
		*l = specs
		return nil
	default:
		return fmt.Errorf("triggers must be a mapping or a sequence")
	}
}

func (l TriggerList) MarshalYAML() (any, error) {
	// Always write the current keyed layout.
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, spec := range l {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: spec.Kind}
		val := &yaml.Node{}
		stripped := spec
		stripped.Kind = ""
		if err := val.Encode(stripped); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, key, val)
	}
	return node, nil
}

// SCMConfig points a job at its source.
type SCMConfig struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
}

// JobConfig is the decoded job document. This core only consumes the fields;
// arbitrary round-trip of unknown config is out of scope.
type JobConfig struct {
	Kind            string      `yaml:"kind"`
	Description     string      `yaml:"description,omitempty"`
	Disabled        bool        `yaml:"disabled,omitempty"`
	ConcurrentBuild bool        `yaml:"concurrentBuild,omitempty"`
	QuietPeriod     Duration    `yaml:"quietPeriod,omitempty"`
	BuildsRoot      string      `yaml:"buildsRoot,omitempty"`
	SCM             *SCMConfig  `yaml:"scm,omitempty"`
	Steps           []string    `yaml:"steps,omitempty"`
	PostBuildSteps  []string    `yaml:"postBuildSteps,omitempty"`
	Triggers        TriggerList `yaml:"triggers,omitempty"`
}

// CheckKind rejects a config document submitted against the wrong job kind,
// naming both kinds.
func (c *JobConfig) CheckKind(expected string) error {
	kind := c.Kind
	if kind == "" {
		kind = JobKindFreestyle
	}
	if kind != expected {
		return cierrors.ConfigTypeMismatch(kind, expected)
	}
	return nil
}

// LoadJobConfig reads and decodes one job document.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job config: %w", err)
	}
	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse job config %s: %w", path, err)
	}
	if cfg.Kind == "" {
		cfg.Kind = JobKindFreestyle
	}
	return &cfg, nil
}

// SaveJobConfig atomically rewrites one job document.
func SaveJobConfig(path string, cfg *JobConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write job config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace job config: %w", err)
	}
	return nil
}
