package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/rs/zerolog"
)

// Backend is a destination for finished output files (local directory, S3, Azure).
type Backend interface {
	// WriteReader writes data from a reader to the specified path
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Delete deletes the object at the specified path
	Delete(ctx context.Context, path string) error

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.PublishConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3":
		return NewS3Backend(ctx, &S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "azure":
		return NewAzureBlobBackend(ctx, &AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func contentType(path string) string {
	switch {
	case hasExt(path, ".parquet"):
		return "application/vnd.apache.parquet"
	case hasExt(path, ".csv"):
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func hasExt(path, ext string) bool {
	return len(path) >= len(ext) && path[len(path)-len(ext):] == ext
}
