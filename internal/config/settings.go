package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Settings are the host-level knobs read from the environment.
type Settings struct {
	Home        string // STAGEFLOW_HOME, defaults to ~/.stageflow
	LogLevel    string // STAGEFLOW_LOG_LEVEL
	PostgresDSN string // STAGEFLOW_POSTGRES_DSN; empty keeps state on disk
}

// LoadSettings reads <home>/.env into the environment (existing variables
// win) and returns the resulting settings. The home directory is created
// if needed.
func LoadSettings() (*Settings, error) {
	home := os.Getenv("STAGEFLOW_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		home = filepath.Join(userHome, ".stageflow")
	}

	envFile := filepath.Join(home, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if h := os.Getenv("STAGEFLOW_HOME"); h != "" {
		home = h
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", home, err)
	}

	return &Settings{
		Home:        home,
		LogLevel:    os.Getenv("STAGEFLOW_LOG_LEVEL"),
		PostgresDSN: os.Getenv("STAGEFLOW_POSTGRES_DSN"),
	}, nil
}

// WorkflowsDir holds one directory per workflow.
func (s *Settings) WorkflowsDir() string {
	return filepath.Join(s.Home, "workflows")
}

// LeasesDir holds port claim files.
func (s *Settings) LeasesDir() string {
	return filepath.Join(s.Home, "leases")
}

// DBPath is the event history database.
func (s *Settings) DBPath() string {
	return filepath.Join(s.Home, "stageflow.db")
}
