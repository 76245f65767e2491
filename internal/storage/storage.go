// Package storage persists uploaded recording segment blobs. Two backends
// are provided: a local filesystem store for single-node deployments and a
// MinIO/S3 store for durable object storage. Segment payloads are sealed by
// the Sealer before they reach either backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/callbridge/callbridge/internal/config"
)

// ErrInvalidKey is returned for keys that escape the storage root.
var ErrInvalidKey = errors.New("invalid storage key")

// Store is a blob store for sealed recording segments. Keys are
// slash-separated relative paths, e.g. "recordings/<id>/segments/00042".
type Store interface {
	Write(ctx context.Context, key string, r io.Reader, size int64) error
	Read(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// New constructs the blob store selected by cfg.StorageKind.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageKind {
	case "minio":
		return newMinioStore(ctx, cfg)
	default:
		return newLocalStore(filepath.Join(cfg.DataDir, "segments"))
	}
}

// SegmentKey returns the storage key for a recording segment.
func SegmentKey(recordingID string, sequenceNumber int) string {
	return filepath.ToSlash(filepath.Join("recordings", recordingID, "segments", segmentName(sequenceNumber)))
}

// RecordingPrefix returns the key prefix holding all of a recording's blobs.
func RecordingPrefix(recordingID string) string {
	return filepath.ToSlash(filepath.Join("recordings", recordingID)) + "/"
}

// segmentName formats a sequence number with zero padding so lexical and
// numeric ordering agree in object listings.
func segmentName(sequenceNumber int) string {
	return fmt.Sprintf("%06d.seg", sequenceNumber)
}
