package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryExportStore is an in-memory ExportStore for tests and local runs without Azure
type MemoryExportStore struct {
	Storage map[string][]byte
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewMemoryExportStore creates an empty in-memory export store
func NewMemoryExportStore(logger *zap.Logger) *MemoryExportStore {
	return &MemoryExportStore{
		Storage: make(map[string][]byte),
		logger:  logger,
	}
}

// UploadExport reads body fully into memory
func (c *MemoryExportStore) UploadExport(ctx context.Context, userID, filename string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read export body: %w", err)
	}

	blobName := exportBlobName(userID, filename, time.Now())

	c.mu.Lock()
	c.Storage[blobName] = data
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("memory: export stored",
			zap.String("blob_name", blobName),
			zap.Int("size_bytes", len(data)),
		)
	}

	return blobName, nil
}

// Put stores data under an explicit blob name
func (c *MemoryExportStore) Put(blobName string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Storage[blobName] = bytes.Clone(data)
}

// OpenExport returns a reader over a copy of the stored bytes
func (c *MemoryExportStore) OpenExport(ctx context.Context, blobName string) (io.ReadCloser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, exists := c.Storage[blobName]
	if !exists {
		return nil, fmt.Errorf("blob not found: %s", blobName)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// DeleteExports drops every blob under the user's export prefix
func (c *MemoryExportStore) DeleteExports(ctx context.Context, userID string) (int, error) {
	prefix := exportPrefix(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := 0
	for name := range c.Storage {
		if strings.HasPrefix(name, prefix) {
			delete(c.Storage, name)
			deleted++
		}
	}
	return deleted, nil
}

// ListBlobs returns all blob names in storage
func (c *MemoryExportStore) ListBlobs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blobs := make([]string, 0, len(c.Storage))
	for name := range c.Storage {
		blobs = append(blobs, name)
	}

	return blobs
}
