package blob

import (
	"bytes"
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"soundfleet/pkg/database"
)

// Store is the blob interface pipeline code depends on
type Store interface {
	Put(ctx context.Context, filename string, data []byte) (string, error)
	Get(ctx context.Context, fileID string) ([]byte, error)
	Exists(ctx context.Context, fileID string) (bool, error)
	Delete(ctx context.Context, fileID string) error
}

// GridFS stores recording payloads in a GridFS bucket
type GridFS struct {
	bucket *mongo.GridFSBucket
}

// NewGridFS creates a GridFS-backed blob store
func NewGridFS(db *database.DB) *GridFS {
	return &GridFS{bucket: db.Bucket()}
}

// Put uploads a blob and returns its file id
func (g *GridFS) Put(ctx context.Context, filename string, data []byte) (string, error) {
	id, err := g.bucket.UploadFromStream(ctx, filename, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to upload blob %s: %w", filename, err)
	}
	return id.Hex(), nil
}

// Get downloads a blob by file id
func (g *GridFS) Get(ctx context.Context, fileID string) ([]byte, error) {
	id, err := bson.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, fmt.Errorf("invalid blob id %s: %w", fileID, err)
	}

	var buf bytes.Buffer
	if _, err := g.bucket.DownloadToStream(ctx, id, &buf); err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", fileID, err)
	}
	return buf.Bytes(), nil
}

// Exists reports whether a blob is present
func (g *GridFS) Exists(ctx context.Context, fileID string) (bool, error) {
	id, err := bson.ObjectIDFromHex(fileID)
	if err != nil {
		return false, fmt.Errorf("invalid blob id %s: %w", fileID, err)
	}

	count, err := g.bucket.GetFilesCollection().CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to check blob %s: %w", fileID, err)
	}
	return count > 0, nil
}

// Delete removes a blob
func (g *GridFS) Delete(ctx context.Context, fileID string) error {
	id, err := bson.ObjectIDFromHex(fileID)
	if err != nil {
		return fmt.Errorf("invalid blob id %s: %w", fileID, err)
	}
	if err := g.bucket.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", fileID, err)
	}
	return nil
}
