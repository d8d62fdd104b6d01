package reconcile

import (
	"errors"
	"strings"
	"time"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
	"github.com/hutch-labs/hutch-agent/internal/rocrate"
)

type Config struct {
	ResultsDir string
	Interval   time.Duration
	// Watch wakes the loop early when the results dir changes.
	Watch       bool
	WatchSettle time.Duration
	// License, when set, is attached to every merged crate.
	License *rocrate.License
}

func ConfigFromEnv() (Config, error) {
	interval, err := env.Duration("HUTCH_RECONCILE_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	watch, err := env.Bool("HUTCH_RECONCILE_WATCH", true)
	if err != nil {
		return Config{}, err
	}
	settle, err := env.Duration("HUTCH_RECONCILE_WATCH_SETTLE", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ResultsDir:  env.String("HUTCH_RESULTS_DIR", ""),
		Interval:    interval,
		Watch:       watch,
		WatchSettle: settle,
	}
	if uri := env.String("HUTCH_RESULT_LICENSE_URI", ""); uri != "" {
		props := rocrate.NewProperties()
		if name := env.String("HUTCH_RESULT_LICENSE_NAME", ""); name != "" {
			props.Set("name", rocrate.String(name))
		}
		cfg.License = &rocrate.License{URI: uri, Properties: props}
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ResultsDir) == "" {
		return errors.New("HUTCH_RESULTS_DIR is required")
	}
	if c.Interval <= 0 {
		return errors.New("HUTCH_RECONCILE_INTERVAL must be positive")
	}
	if c.WatchSettle < 0 {
		return errors.New("HUTCH_RECONCILE_WATCH_SETTLE must not be negative")
	}
	return nil
}
