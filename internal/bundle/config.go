package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
)

const (
	defaultMaxBytes          int64 = 1 << 30
	defaultMaxExtractedBytes int64 = 8 << 30
)

var DefaultStageExtensions = []string{".stage", ".yaml", ".yml"}

type Config struct {
	// ExtractRoot holds one fresh directory per ingested bundle.
	ExtractRoot       string
	StageExtensions   []string
	MaxBytes          int64
	MaxExtractedBytes int64
}

func ConfigFromEnv() (Config, error) {
	maxBytes, err := env.Int64("HUTCH_BUNDLE_MAX_BYTES", defaultMaxBytes)
	if err != nil {
		return Config{}, err
	}
	maxExtracted, err := env.Int64("HUTCH_BUNDLE_MAX_EXTRACTED_BYTES", defaultMaxExtractedBytes)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ExtractRoot:       env.String("HUTCH_EXTRACT_ROOT", filepath.Join(os.TempDir(), "hutch-agent", "jobs")),
		StageExtensions:   normalizeExtensions(env.List("HUTCH_STAGE_EXTENSIONS", DefaultStageExtensions)),
		MaxBytes:          maxBytes,
		MaxExtractedBytes: maxExtracted,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ExtractRoot) == "" {
		return errors.New("HUTCH_EXTRACT_ROOT is required")
	}
	if len(c.StageExtensions) == 0 {
		return errors.New("HUTCH_STAGE_EXTENSIONS must list at least one extension")
	}
	if c.MaxBytes <= 0 {
		return errors.New("HUTCH_BUNDLE_MAX_BYTES must be positive")
	}
	if c.MaxExtractedBytes <= 0 {
		return errors.New("HUTCH_BUNDLE_MAX_EXTRACTED_BYTES must be positive")
	}
	return nil
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

func (c Config) hasStageExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range c.StageExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
