package s3export

import (
	"errors"
	"fmt"
	"time"

	"github.com/subflowhq/subflow/internal/pkg/env"
)

// Config holds the settlement report export configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads S3 export configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("S3_EXPORT_ENABLED", "false") == "true",
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when S3 export is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when S3 export is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when S3 export is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if settlement export is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// GetObjectKey generates the object key for one chain's daily report.
// Format: settlements/<chainID>/YYYY/MM/settlement-YYYY-MM-DD.json
func (c *Config) GetObjectKey(chainID uint64, day time.Time) string {
	return fmt.Sprintf("settlements/%d/%04d/%02d/settlement-%s.json",
		chainID, day.Year(), int(day.Month()), day.Format("2006-01-02"))
}
