package wfexs

import (
	"errors"
	"strings"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
)

type Config struct {
	// ExecutorPath is the engine checkout; commands run with it as working dir.
	ExecutorPath string
	// VenvPath is sourced before every command when set.
	VenvPath       string
	LocalConfig    string
	Backend        string
	Shell          string
	ResultsDir     string
	FullProvenance bool
}

func ConfigFromEnv() (Config, error) {
	full, err := env.Bool("HUTCH_WFEXS_FULL_PROVENANCE", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ExecutorPath:   env.String("HUTCH_WFEXS_EXECUTOR_PATH", ""),
		VenvPath:       env.String("HUTCH_WFEXS_VENV_PATH", ""),
		LocalConfig:    env.String("HUTCH_WFEXS_LOCAL_CONFIG", ""),
		Backend:        env.String("HUTCH_WFEXS_BACKEND", "./WfExS-backend.py"),
		Shell:          env.String("HUTCH_WFEXS_SHELL", "bash"),
		ResultsDir:     env.String("HUTCH_RESULTS_DIR", ""),
		FullProvenance: full,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ExecutorPath) == "" {
		return errors.New("HUTCH_WFEXS_EXECUTOR_PATH is required")
	}
	if strings.TrimSpace(c.LocalConfig) == "" {
		return errors.New("HUTCH_WFEXS_LOCAL_CONFIG is required")
	}
	if strings.TrimSpace(c.Backend) == "" {
		return errors.New("HUTCH_WFEXS_BACKEND is required")
	}
	if strings.TrimSpace(c.Shell) == "" {
		return errors.New("HUTCH_WFEXS_SHELL is required")
	}
	if strings.TrimSpace(c.ResultsDir) == "" {
		return errors.New("HUTCH_RESULTS_DIR is required")
	}
	return nil
}
