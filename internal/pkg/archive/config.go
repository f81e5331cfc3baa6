package archive

import (
	"errors"

	"github.com/mealbridge/MealBridge/internal/pkg/env"
)

// Config holds S3 archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads S3 archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("ARCHIVE_S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("ARCHIVE_S3_ENABLED", "false") == "true",
	}

	if !config.Enabled {
		return config, nil
	}
	if config.AccessKeyID == "" || config.SecretAccessKey == "" {
		return nil, errors.New("archive enabled but S3 credentials are missing")
	}
	if config.BucketName == "" {
		return nil, errors.New("archive enabled but S3 bucket name is missing")
	}
	return config, nil
}

// IsEnabled reports whether archival is switched on.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled
}
