package orchestrator

import (
	"fmt"

	"github.com/lucasnoah/stageflow/internal/config"
	"github.com/lucasnoah/stageflow/internal/stage"
)

// StageSpec is one configured step: the registered stage name, its
// options and what to do when it fails.
type StageSpec struct {
	Name    string
	Options stage.Options
	OnFail  string
}

func (s StageSpec) halts() bool {
	return s.OnFail != config.OnFailContinue
}

// Pipeline is the ordered stage list a workflow runs.
type Pipeline struct {
	Name              string
	Stages            []StageSpec
	ReleaseOnComplete bool
}

// StageNames lists stage names in order.
func (p Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// FromConfig builds the Pipeline for a loaded config. Every stage learns
// the base branch so diff-based skips compare against the right ref.
func FromConfig(cfg *config.PipelineConfig) Pipeline {
	p := Pipeline{
		Name:              cfg.Pipeline.Name,
		ReleaseOnComplete: cfg.Pipeline.ReleasesOnComplete(),
	}
	for _, s := range cfg.Pipeline.Stages {
		opts := stage.Options(s.StageOptions())
		if _, ok := opts[stage.KeyBaseBranch]; !ok && cfg.Pipeline.BaseBranch != "" {
			opts[stage.KeyBaseBranch] = cfg.Pipeline.BaseBranch
		}
		p.Stages = append(p.Stages, StageSpec{Name: s.ID, Options: opts, OnFail: s.OnFail})
	}
	return p
}

// WithOverrides returns a copy of p with extra options merged into the
// named stages. Unknown stage names are an error.
func (p Pipeline) WithOverrides(overrides map[string]stage.Options) (Pipeline, error) {
	out := p
	out.Stages = make([]StageSpec, len(p.Stages))
	copy(out.Stages, p.Stages)

	for name, extra := range overrides {
		idx := -1
		for i, s := range out.Stages {
			if s.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Pipeline{}, fmt.Errorf("%w: %q is not in pipeline %s", ErrUnknownStage, name, p.Name)
		}
		merged := stage.Options{}
		for k, v := range out.Stages[idx].Options {
			merged[k] = v
		}
		for k, v := range extra {
			merged[k] = v
		}
		out.Stages[idx].Options = merged
	}
	return out, nil
}

// validate checks that every stage is registered and every failure policy
// is known.
func (p Pipeline) validate(reg *stage.Registry) error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.Name)
	}
	seen := map[string]bool{}
	for _, s := range p.Stages {
		if !reg.Has(s.Name) {
			return fmt.Errorf("%w: %q", ErrUnknownStage, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("stage %q listed twice", s.Name)
		}
		seen[s.Name] = true
		switch s.OnFail {
		case "", config.OnFailHalt, config.OnFailContinue:
		default:
			return fmt.Errorf("stage %q: invalid on_fail %q", s.Name, s.OnFail)
		}
	}
	return nil
}
