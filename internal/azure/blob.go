package azure

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"
)

// BlobStorageClient stores health export files in Azure Blob Storage
type BlobStorageClient struct {
	client        *azblob.Client
	containerName string
	logger        *zap.Logger
}

// NewBlobStorageClient creates a new Azure Blob Storage client using a shared key
func NewBlobStorageClient(accountName, accountKey, containerName string, logger *zap.Logger) (*BlobStorageClient, error) {
	if accountName == "" || accountKey == "" || containerName == "" {
		return nil, fmt.Errorf("accountName, accountKey, and containerName are required")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStorageClient{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// NewBlobStorageClientFromConnectionString creates a client from a storage connection string
// (used with Azurite in local development)
func NewBlobStorageClientFromConnectionString(connectionString, containerName string, logger *zap.Logger) (*BlobStorageClient, error) {
	if connectionString == "" || containerName == "" {
		return nil, fmt.Errorf("connectionString and containerName are required")
	}

	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobStorageClient{
		client:        client,
		containerName: containerName,
		logger:        logger,
	}, nil
}

// exportBlobName builds the blob path for an uploaded export
func exportBlobName(userID, filename string, uploadedAt time.Time) string {
	base := path.Base(filename)
	if base == "." || base == "/" || base == "" {
		base = "export.xml"
	}
	return exportPrefix(userID) + uploadedAt.UTC().Format("20060102T150405Z") + "-" + base
}

// exportPrefix is the blob prefix shared by every export of one user
func exportPrefix(userID string) string {
	return fmt.Sprintf("exports/%s/", userID)
}

// UploadExport streams an export file into the container and returns its blob name
func (c *BlobStorageClient) UploadExport(ctx context.Context, userID, filename string, body io.Reader) (string, error) {
	blobName := exportBlobName(userID, filename, time.Now())

	c.logger.Info("uploading health export to blob storage",
		zap.String("user_id", userID),
		zap.String("blob_name", blobName),
	)

	_, err := c.client.UploadStream(ctx, c.containerName, blobName, body, &azblob.UploadStreamOptions{
		Metadata: map[string]*string{
			"contenttype": toPtr("application/xml"),
			"userid":      toPtr(userID),
		},
	})
	if err != nil {
		c.logger.Error("failed to upload health export",
			zap.String("blob_name", blobName),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to upload health export: %w", err)
	}

	c.logger.Info("health export uploaded successfully",
		zap.String("blob_name", blobName),
	)

	return blobName, nil
}

// OpenExport opens a streaming reader over a stored export; the caller closes it
func (c *BlobStorageClient) OpenExport(ctx context.Context, blobName string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, c.containerName, blobName, nil)
	if err != nil {
		c.logger.Error("failed to download health export",
			zap.String("blob_name", blobName),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to download health export: %w", err)
	}

	return resp.Body, nil
}

// DeleteExports lists the user's export prefix and deletes each blob found
func (c *BlobStorageClient) DeleteExports(ctx context.Context, userID string) (int, error) {
	prefix := exportPrefix(userID)
	pager := c.client.NewListBlobsFlatPager(c.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	deleted := 0
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list health exports: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if _, err := c.client.DeleteBlob(ctx, c.containerName, *item.Name, nil); err != nil {
				c.logger.Error("failed to delete health export",
					zap.String("blob_name", *item.Name),
					zap.Error(err),
				)
				return deleted, fmt.Errorf("failed to delete health export: %w", err)
			}
			deleted++
		}
	}

	c.logger.Info("health exports deleted",
		zap.String("user_id", userID),
		zap.Int("deleted", deleted),
	)
	return deleted, nil
}

func toPtr(s string) *string {
	return &s
}
