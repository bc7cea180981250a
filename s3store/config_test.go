package s3store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    Config
		wantErr bool
	}{
		{
			name: "all options",
			envVars: map[string]string{
				"AWS_ACCESS_KEY_ID":     "AKIA123",
				"AWS_SECRET_ACCESS_KEY": "secret",
				"S3_BUCKET":             "uploads",
				"AWS_REGION":            "eu-central-1",
				"S3_ENDPOINT":           "https://fra1.digitaloceanspaces.com",
				"S3_PART_SIZE":          "16MB",
				"S3_SCRATCH_DIR":        "/var/tmp",
			},
			want: Config{
				AccessKeyID:     "AKIA123",
				SecretAccessKey: "secret",
				Bucket:          "uploads",
				Region:          "eu-central-1",
				Endpoint:        "https://fra1.digitaloceanspaces.com",
				PartSize:        16 * 1024 * 1024,
				ScratchDir:      "/var/tmp",
			},
		},
		{
			name: "minimal",
			envVars: map[string]string{
				"AWS_ACCESS_KEY_ID":     "AKIA123",
				"AWS_SECRET_ACCESS_KEY": "secret",
				"S3_BUCKET":             "uploads",
			},
			want: Config{
				AccessKeyID:     "AKIA123",
				SecretAccessKey: "secret",
				Bucket:          "uploads",
			},
		},
		{
			name: "missing access key",
			envVars: map[string]string{
				"AWS_SECRET_ACCESS_KEY": "secret",
				"S3_BUCKET":             "uploads",
			},
			wantErr: true,
		},
		{
			name: "missing bucket",
			envVars: map[string]string{
				"AWS_ACCESS_KEY_ID":     "AKIA123",
				"AWS_SECRET_ACCESS_KEY": "secret",
			},
			wantErr: true,
		},
		{
			name: "bad part size",
			envVars: map[string]string{
				"AWS_ACCESS_KEY_ID":     "AKIA123",
				"AWS_SECRET_ACCESS_KEY": "secret",
				"S3_BUCKET":             "uploads",
				"S3_PART_SIZE":          "lots",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfigFromEnv(fakeEnvRepo{envVars: tt.envVars})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}
	assert.Equal(t, DefaultPartSize, c.partSize())
	assert.Equal(t, defaultMaxConcurrency, c.maxConcurrency())

	c = Config{PartSize: 5 * 1024 * 1024, MaxConcurrency: 2}
	assert.Equal(t, int64(5*1024*1024), c.partSize())
	assert.Equal(t, 2, c.maxConcurrency())
}

func TestConfigValidate(t *testing.T) {
	valid := Config{AccessKeyID: "a", SecretAccessKey: "s", Bucket: "b"}
	assert.NoError(t, valid.validate())

	assert.Error(t, Config{AccessKeyID: "a", SecretAccessKey: "s"}.validate())
	assert.Error(t, Config{AccessKeyID: "a", Bucket: "b"}.validate())
	assert.Error(t, Config{SecretAccessKey: "s", Bucket: "b"}.validate())
}
