package s3store

import (
	"fmt"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// DefaultPartSize is the chunk size a Write is split into when the config
// leaves PartSize unset.
const DefaultPartSize int64 = 8 * 1024 * 1024

// MinPartSize is the smallest part S3 accepts for any part except the last
// one. Non-final chunks below this are rejected rather than uploaded.
const MinPartSize int64 = 5 * 1024 * 1024

const defaultMaxConcurrency = 8

// Config carries everything needed to talk to the bucket.
type Config struct {
	AccessKeyID     stepconf.Secret
	SecretAccessKey stepconf.Secret
	Bucket          string
	// Region is forwarded to the client verbatim.
	Region string
	// Endpoint points the client at an S3-compatible store (DigitalOcean
	// Spaces, MinIO). When set, path-style addressing is forced.
	Endpoint string
	// PartSize is the target part size in bytes. Values below MinPartSize
	// make the store reject every non-final chunk. Default: DefaultPartSize.
	PartSize int64
	// MaxConcurrency caps parallel part uploads within one Write.
	MaxConcurrency int
	// ScratchDir is where chunk files are spilled. Default: the OS temp dir.
	ScratchDir string
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("access key ID must not be empty")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("secret access key must not be empty")
	}
	return nil
}

func (c Config) partSize() int64 {
	if c.PartSize > 0 {
		return c.PartSize
	}
	return DefaultPartSize
}

func (c Config) maxConcurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return defaultMaxConcurrency
}

// ConfigFromEnv reads the store configuration from the environment. PartSize
// accepts human sizes such as "8MB".
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	accessKeyID := envRepo.Get("AWS_ACCESS_KEY_ID")
	if accessKeyID == "" {
		return Config{}, fmt.Errorf("the secret 'AWS_ACCESS_KEY_ID' is not defined")
	}
	secretAccessKey := envRepo.Get("AWS_SECRET_ACCESS_KEY")
	if secretAccessKey == "" {
		return Config{}, fmt.Errorf("the secret 'AWS_SECRET_ACCESS_KEY' is not defined")
	}
	bucket := envRepo.Get("S3_BUCKET")
	if bucket == "" {
		return Config{}, fmt.Errorf("'S3_BUCKET' is not defined")
	}

	var partSize int64
	if raw := envRepo.Get("S3_PART_SIZE"); raw != "" {
		parsed, err := units.RAMInBytes(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse S3_PART_SIZE %q: %w", raw, err)
		}
		partSize = parsed
	}

	return Config{
		AccessKeyID:     stepconf.Secret(accessKeyID),
		SecretAccessKey: stepconf.Secret(secretAccessKey),
		Bucket:          bucket,
		Region:          envRepo.Get("AWS_REGION"),
		Endpoint:        envRepo.Get("S3_ENDPOINT"),
		PartSize:        partSize,
		ScratchDir:      envRepo.Get("S3_SCRATCH_DIR"),
	}, nil
}
