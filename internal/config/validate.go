package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
// When known is non-nil, every stage id must satisfy it.
func Validate(cfg *PipelineConfig, known func(string) bool) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	// Required fields
	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}

	if err := p.Ports.Range().Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "pipeline.ports", Message: err.Error()})
	}
	if p.Defaults.Timeout != "" {
		if _, err := time.ParseDuration(p.Defaults.Timeout); err != nil {
			errs = append(errs, ValidationError{Field: "pipeline.defaults.timeout", Message: fmt.Sprintf("invalid duration %q", p.Defaults.Timeout)})
		}
	}

	stageIDs := make(map[string]bool)
	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)
		if s.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if stageIDs[s.ID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate stage ID %q", s.ID),
			})
		}
		stageIDs[s.ID] = true

		if known != nil && !known(s.ID) {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("unknown stage %q", s.ID),
			})
		}

		switch s.OnFail {
		case "", OnFailHalt, OnFailContinue:
		default:
			errs = append(errs, ValidationError{
				Field:   prefix + ".on_fail",
				Message: fmt.Sprintf("must be %q or %q, got %q", OnFailHalt, OnFailContinue, s.OnFail),
			})
		}

		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
				errs = append(errs, ValidationError{
					Field:   prefix + ".timeout",
					Message: fmt.Sprintf("invalid duration %q", s.Timeout),
				})
			}
		}
	}

	return errs
}
