package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/stageflow/internal/lease"
)

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies defaults to stages that don't specify their own values.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes pipeline YAML and applies defaults.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// ErrNoConfig is returned by LoadDefault when no config file exists.
var ErrNoConfig = errors.New("no pipeline config found")

// LoadDefault searches for a pipeline config in standard locations and loads the
// first one found. Search order: ./pipeline.yaml, <home>/pipeline.yaml
func LoadDefault(home string) (*PipelineConfig, error) {
	candidates := []string{"pipeline.yaml"}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, "pipeline.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNoConfig, candidates)
}

// Builtin returns the default six-stage pipeline used when no config file exists.
func Builtin() *PipelineConfig {
	cfg := &PipelineConfig{Pipeline: Pipeline{
		Name: "sdlc",
		Stages: []Stage{
			{ID: "plan"}, {ID: "build"}, {ID: "test", OnFail: OnFailContinue},
			{ID: "review"}, {ID: "document"}, {ID: "merge"},
		},
	}}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults merges pipeline-level defaults into stages that don't set their
// own values and fills lease settings.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.Repo == "" {
		p.Repo = "."
	}
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	if p.WorktreeDir == "" {
		p.WorktreeDir = filepath.Join(p.Repo, "trees")
	}
	if p.Ports == (Ports{}) {
		r := lease.DefaultRange
		p.Ports = Ports{PrimaryBase: r.PrimaryBase, SecondaryBase: r.SecondaryBase, Span: r.Span}
	}

	for i := range p.Stages {
		s := &p.Stages[i]

		if s.Model == "" && p.Defaults.Model != "" {
			s.Model = p.Defaults.Model
		}
		if s.Timeout == "" && p.Defaults.Timeout != "" {
			s.Timeout = p.Defaults.Timeout
		}
		if s.OnFail == "" {
			s.OnFail = OnFailHalt
		}
	}
}

// Range converts the port settings for the lease allocator.
func (p Ports) Range() lease.Range {
	return lease.Range{PrimaryBase: p.PrimaryBase, SecondaryBase: p.SecondaryBase, Span: p.Span}
}
