package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hutch-labs/hutch-agent/internal/platform/env"
)

// Config points the agent at the bucket that receives results and merged crates.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// Prefix is prepended to every object key; empty keeps keys flat.
	Prefix string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("HUTCH_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("HUTCH_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("HUTCH_MINIO_ACCESS_KEY", "minioadmin"),
		SecretKey: env.String("HUTCH_MINIO_SECRET_KEY", "minioadmin"),
		Region:    env.String("HUTCH_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("HUTCH_MINIO_BUCKET", "hutch-results"),
		Prefix:    strings.Trim(env.String("HUTCH_MINIO_PREFIX", ""), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
