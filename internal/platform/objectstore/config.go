package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/jobchain/internal/platform/env"
)

type Config struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("JOBCHAIN_ARTIFACT_ARCHIVE", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("JOBCHAIN_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:   enabled,
		Endpoint:  env.String("JOBCHAIN_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("JOBCHAIN_MINIO_ACCESS_KEY", "jobchain"),
		SecretKey: env.String("JOBCHAIN_MINIO_SECRET_KEY", "jobchainminio"),
		Region:    env.String("JOBCHAIN_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("JOBCHAIN_MINIO_BUCKET", "jobchain-artifacts"),
		Prefix:    env.String("JOBCHAIN_MINIO_PREFIX", "runs"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("JOBCHAIN_MINIO_ENDPOINT is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("JOBCHAIN_MINIO_ENDPOINT must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("JOBCHAIN_MINIO_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("JOBCHAIN_MINIO_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("JOBCHAIN_MINIO_REGION is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("JOBCHAIN_MINIO_BUCKET is required")
	}
	return nil
}
