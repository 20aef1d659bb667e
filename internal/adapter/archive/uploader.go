// Package archive copies downloaded forecast files into blob storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"
	"gocloud.dev/blob"
)

// Uploader copies local files into a bucket.
type Uploader struct {
	bucket *blob.Bucket
	owned  bool
	logger *zap.Logger
}

// Open opens the archive bucket at url, e.g. gs://bucket?prefix=grib/.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Uploader, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", url, err)
	}
	u := NewUploader(bucket, logger)
	u.owned = true
	return u, nil
}

// NewUploader wraps an open bucket. The bucket stays owned by the caller.
func NewUploader(bucket *blob.Bucket, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{bucket: bucket, logger: logger.With(zap.String("component", "archive"))}
}

// Upload copies localPath byte for byte to remoteKey. An empty remoteKey
// uses the file's base name.
func (u *Uploader) Upload(ctx context.Context, localPath, remoteKey string) (string, error) {
	if remoteKey == "" {
		remoteKey = filepath.Base(localPath)
	}
	remoteKey = path.Clean(filepath.ToSlash(remoteKey))

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	w, err := u.bucket.NewWriter(ctx, remoteKey, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", remoteKey, err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", remoteKey, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", remoteKey, err)
	}

	u.logger.Info("archived forecast file",
		zap.String("local", localPath),
		zap.String("key", remoteKey),
		zap.Int64("bytes", n))
	return remoteKey, nil
}

// Close releases the bucket if the uploader opened it.
func (u *Uploader) Close() error {
	if u.owned {
		return u.bucket.Close()
	}
	return nil
}
