// Package config loads process configuration from HERBTRACE_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"herbtrace/internal/blob"
	"herbtrace/internal/integrity"
	"herbtrace/internal/provenance"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	StorageDriver     string `env:"HERBTRACE_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath        string `env:"HERBTRACE_SQLITE_PATH" envDefault:"herbtrace.db"`
	PostgresDSN       string `env:"HERBTRACE_POSTGRES_DSN"`
	StorageMaxRetries uint   `env:"HERBTRACE_STORAGE_MAX_RETRIES" envDefault:"3"`

	BlobDriver        string `env:"HERBTRACE_BLOB_DRIVER" envDefault:"fs"`
	BlobFSRoot        string `env:"HERBTRACE_BLOB_FS_ROOT" envDefault:"./blobdata"`
	S3Bucket          string `env:"HERBTRACE_BLOB_S3_BUCKET"`
	S3Region          string `env:"HERBTRACE_BLOB_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint        string `env:"HERBTRACE_BLOB_S3_ENDPOINT"`
	S3PathStyle       bool   `env:"HERBTRACE_BLOB_S3_PATH_STYLE"`
	S3AccessKeyID     string `env:"HERBTRACE_BLOB_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"HERBTRACE_BLOB_S3_SECRET_ACCESS_KEY"`
	S3SessionToken    string `env:"HERBTRACE_BLOB_S3_SESSION_TOKEN"`

	HMACKeys  string `env:"HERBTRACE_HMAC_KEYS"`
	HMACKey   string `env:"HERBTRACE_HMAC_KEY"`
	HMACKeyID string `env:"HERBTRACE_HMAC_KEY_ID" envDefault:"v1"`

	RulesFile string `env:"HERBTRACE_RULES_FILE"`

	HTTPAddr  string `env:"HERBTRACE_HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"HERBTRACE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HERBTRACE_LOG_FORMAT" envDefault:"json"`

	ManufacturerID      string        `env:"HERBTRACE_MANUFACTURER_ID" envDefault:"manufacturer-1"`
	ProductName         string        `env:"HERBTRACE_PRODUCT_NAME" envDefault:"Premium Ashwagandha Root Powder"`
	ProductBatchSize    int           `env:"HERBTRACE_PRODUCT_BATCH_SIZE" envDefault:"50"`
	ProductShelfLife    time.Duration `env:"HERBTRACE_PRODUCT_SHELF_LIFE" envDefault:"17520h"`
	ProvenanceCacheSize int           `env:"HERBTRACE_PROVENANCE_CACHE_SIZE" envDefault:"256"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and required values.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("HERBTRACE_STORAGE_DRIVER must be memory, sqlite or postgres, got %q", c.StorageDriver)
	}
	switch blob.Driver(c.BlobDriver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("HERBTRACE_BLOB_S3_BUCKET is required for the s3 blob driver")
		}
	default:
		return fmt.Errorf("HERBTRACE_BLOB_DRIVER must be fs, s3 or memory, got %q", c.BlobDriver)
	}
	if strings.TrimSpace(c.HMACKeys) == "" && strings.TrimSpace(c.HMACKey) == "" {
		return fmt.Errorf("HERBTRACE_HMAC_KEYS or HERBTRACE_HMAC_KEY is required")
	}
	if c.ProductBatchSize <= 0 {
		return fmt.Errorf("HERBTRACE_PRODUCT_BATCH_SIZE must be positive")
	}
	if c.ProductShelfLife <= 0 {
		return fmt.Errorf("HERBTRACE_PRODUCT_SHELF_LIFE must be positive")
	}
	return nil
}

// Keyring builds the signing keyring.
func (c Config) Keyring() (*integrity.Keyring, error) {
	return integrity.ParseKeys(c.HMACKeys, c.HMACKey, c.HMACKeyID)
}

// Blob returns the blob backend configuration.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.BlobDriver),
		FSRoot: c.BlobFSRoot,
		S3: blob.S3Config{
			Region:          c.S3Region,
			Bucket:          c.S3Bucket,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
			SessionToken:    c.S3SessionToken,
			PathStyle:       c.S3PathStyle,
		},
	}
}

// Product returns the final product description used in provenance.
func (c Config) Product() provenance.ProductConfig {
	return provenance.ProductConfig{
		Name:           c.ProductName,
		ManufacturerID: c.ManufacturerID,
		BatchSize:      c.ProductBatchSize,
		ShelfLife:      c.ProductShelfLife,
	}
}
