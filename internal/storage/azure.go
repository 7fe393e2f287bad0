package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobConfig holds Azure Blob Storage backend configuration.
// Authentication is picked in this order: connection string, SAS token,
// account key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // Azurite or sovereign cloud endpoint
}

// AzureBlobBackend publishes to an Azure Blob Storage container.
type AzureBlobBackend struct {
	container *container.Client
	name      string
	logger    zerolog.Logger
}

var errNoAzureAuth = errors.New("no Azure authentication configured: set connection_string, account_name with account_key or sas_token, or account_name with use_managed_identity")

func NewAzureBlobBackend(ctx context.Context, cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}
	logger = logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	client, method, err := azureClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("auth", method).Msg("Created Azure Blob client")

	b := &AzureBlobBackend{
		container: client.ServiceClient().NewContainerClient(cfg.ContainerName),
		name:      cfg.ContainerName,
		logger:    logger,
	}

	propsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := b.container.GetProperties(propsCtx, nil); err != nil {
		logger.Warn().Err(err).Msg("Could not verify container")
	} else {
		logger.Info().Msg("Connected to Azure Blob Storage container")
	}
	return b, nil
}

// azureClient returns the client and the name of the auth method used.
func azureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	serviceURL := cfg.Endpoint
	if serviceURL == "" && cfg.AccountName != "" {
		serviceURL = "https://" + cfg.AccountName + ".blob.core.windows.net"
	}

	var (
		client *azblob.Client
		method string
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		method = "connection-string"
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountName != "" && cfg.SASToken != "":
		method = "sas-token"
		client, err = azblob.NewClientWithNoCredential(serviceURL+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
	case cfg.AccountName != "" && cfg.AccountKey != "":
		method = "shared-key"
		var cred *azblob.SharedKeyCredential
		if cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey); err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
	case cfg.UseManagedIdentity && cfg.AccountName != "":
		method = "managed-identity"
		var cred *azidentity.DefaultAzureCredential
		if cred, err = azidentity.NewDefaultAzureCredential(nil); err == nil {
			client, err = azblob.NewClient(serviceURL, cred, nil)
		}
	default:
		return nil, "", errNoAzureAuth
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to create Azure client (%s): %w", method, err)
	}
	return client, method, nil
}

// WriteReader streams reader into a block blob at key.
func (b *AzureBlobBackend) WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error {
	start := time.Now()
	ct := contentType(key)
	_, err := b.container.NewBlockBlobClient(key).UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to Azure: %w", key, err)
	}

	b.logger.Info().
		Str("key", key).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("Uploaded to Azure Blob Storage")
	return nil
}

// Delete removes the blob at key. A missing blob is not an error.
func (b *AzureBlobBackend) Delete(ctx context.Context, key string) error {
	_, err := b.container.NewBlobClient(key).Delete(ctx, nil)
	if err != nil && !azureNotFound(err) {
		return fmt.Errorf("failed to delete %s from Azure: %w", key, err)
	}
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.container.NewBlobClient(key).GetProperties(ctx, nil)
	switch {
	case err == nil:
		return true, nil
	case azureNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s on Azure: %w", key, err)
	}
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

func azureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
