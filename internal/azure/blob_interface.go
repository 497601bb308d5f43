package azure

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// ExportStore holds uploaded health export files until a sync parses them
type ExportStore interface {
	UploadExport(ctx context.Context, userID, filename string, body io.Reader) (string, error)
	OpenExport(ctx context.Context, blobName string) (io.ReadCloser, error)
	// DeleteExports removes every export stored for the user and returns how many were removed
	DeleteExports(ctx context.Context, userID string) (int, error)
}

// Ensure both implementations satisfy ExportStore
var (
	_ ExportStore = (*BlobStorageClient)(nil)
	_ ExportStore = (*MemoryExportStore)(nil)
)

// NewExportStore picks blob storage when credentials are present and an
// in-memory store otherwise. A connection string wins over account credentials.
func NewExportStore(connectionString, accountName, accountKey, containerName string, logger *zap.Logger) (ExportStore, error) {
	switch {
	case connectionString != "":
		return NewBlobStorageClientFromConnectionString(connectionString, containerName, logger)
	case accountName != "" && accountKey != "":
		return NewBlobStorageClient(accountName, accountKey, containerName, logger)
	default:
		logger.Warn("azure storage not configured, keeping health exports in memory")
		return NewMemoryExportStore(logger), nil
	}
}
