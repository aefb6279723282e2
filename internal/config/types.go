package config

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full pipeline: metadata, defaults, lease settings and stages.
type Pipeline struct {
	Name string `yaml:"name"`
	// Repo is the local checkout worktrees are created from.
	Repo              string        `yaml:"repo"`
	BaseBranch        string        `yaml:"base_branch"`
	WorktreeDir       string        `yaml:"worktree_dir"`
	ReleaseOnComplete *bool         `yaml:"release_on_complete"`
	Ports             Ports         `yaml:"ports"`
	Defaults          StageDefaults `yaml:"defaults"`
	Stages            []Stage       `yaml:"stages"`
}

// ReleasesOnComplete reports whether a completed workflow gives back its
// lease. Defaults to true.
func (p Pipeline) ReleasesOnComplete() bool {
	return p.ReleaseOnComplete == nil || *p.ReleaseOnComplete
}

// StageNames lists stage ids in pipeline order.
func (p Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.ID
	}
	return names
}

// Ports is the block of ports leases are drawn from.
type Ports struct {
	PrimaryBase   int `yaml:"primary_base"`
	SecondaryBase int `yaml:"secondary_base"`
	Span          int `yaml:"span"`
}

// StageDefaults holds default values applied to stages that don't specify their own.
type StageDefaults struct {
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// Stage configures one pipeline step. ID names a registered stage.
type Stage struct {
	ID      string         `yaml:"id"`
	Model   string         `yaml:"model"`
	Timeout string         `yaml:"timeout"`
	Command string         `yaml:"command"`
	OnFail  string         `yaml:"on_fail"` // "halt" (default) or "continue"
	Options map[string]any `yaml:"options"`
}

const (
	OnFailHalt     = "halt"
	OnFailContinue = "continue"
)

// StageOptions merges the stage's typed fields into its free-form options.
// Explicit options win.
func (s Stage) StageOptions() map[string]any {
	opts := make(map[string]any, len(s.Options)+3)
	if s.Model != "" {
		opts["model"] = s.Model
	}
	if s.Timeout != "" {
		opts["timeout"] = s.Timeout
	}
	if s.Command != "" {
		opts["command"] = s.Command
	}
	for k, v := range s.Options {
		opts[k] = v
	}
	return opts
}
