// helper functions mapping the general config onto the storage package's
// own config types.
package config

import (
	"fmt"

	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types
func CreateStorageConfigs(cfg *Config) (storage.MinIOConfig, storage.PostgresConfig, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return storage.MinIOConfig{}, storage.PostgresConfig{}, fmt.Errorf("config failed validation for storage layer: %w", err)
	}

	minioCfg := storage.MinIOConfig{
		Endpoint:        cfg.Storage.MinIO.Endpoint,
		AccessKeyID:     cfg.Storage.MinIO.AccessKeyID,
		SecretAccessKey: cfg.Storage.MinIO.SecretAccessKey,
		UseSSL:          cfg.Storage.MinIO.UseSSL,
		Bucket:          cfg.Storage.MinIO.Bucket,
		Region:          cfg.Storage.MinIO.Region,
		Prefix:          cfg.Storage.MinIO.Prefix,
		PublicBaseURL:   cfg.Storage.MinIO.PublicBaseURL,
		URLExpiry:       cfg.Storage.MinIO.URLExpiry,
		MaxUploads:      cfg.Storage.MinIO.MaxUploads,
		PartSize:        cfg.Storage.MinIO.PartSize,
		// the recording pipeline owns retry policy for uploads
		MaxRetries: 0,
	}

	pgCfg := storage.PostgresConfig{
		Host:            cfg.Storage.Postgres.Host,
		Port:            cfg.Storage.Postgres.Port,
		Database:        cfg.Storage.Postgres.Database,
		Username:        cfg.Storage.Postgres.Username,
		Password:        cfg.Storage.Postgres.Password,
		SSLMode:         cfg.Storage.Postgres.SSLMode,
		MaxConnections:  cfg.Storage.Postgres.MaxConnections,
		MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Storage.Postgres.ConnMaxIdleTime,
	}

	return minioCfg, pgCfg, nil
}

// GetDatabaseDSN returns the PostgreSQL connection string from main config
func GetDatabaseDSN(cfg *Config) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Storage.Postgres.Username,
		cfg.Storage.Postgres.Password,
		cfg.Storage.Postgres.Host,
		cfg.Storage.Postgres.Port,
		cfg.Storage.Postgres.Database,
		cfg.Storage.Postgres.SSLMode,
	)
}

// ValidateStorageConfig checks the settings the upload sink and the
// recording index need.
func ValidateStorageConfig(cfg *Config) error {
	if cfg.Storage.MinIO.Endpoint == "" {
		return fmt.Errorf("storage.minio.endpoint is required")
	}
	if cfg.Storage.MinIO.Bucket == "" {
		return fmt.Errorf("storage.minio.bucket is required")
	}

	if cfg.Storage.Postgres.Enabled {
		if cfg.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required for the recording index")
		}
		if cfg.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required for the recording index")
		}
	}

	if cfg.Recording.ContentType == "" {
		return fmt.Errorf("recording.content_type is required")
	}
	return nil
}
