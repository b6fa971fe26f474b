// Package objectstore is the narrow byte-storage contract used by the
// upload coordinator, the transcode worker and the reconcile sweep.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object. Exists is false (and the error
// nil) when nothing is stored under the key.
type ObjectInfo struct {
	Key          string
	Size         int64
	Exists       bool
	LastModified time.Time
	ETag         string
}

// CompletedPart identifies one uploaded chunk by its number and the ETag
// the store returned when the chunk was written.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// Store is implemented by the S3, GCS and local filesystem backends.
type Store interface {
	PutDirect(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	SignedWriteHandle(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	BeginChunkedUpload(ctx context.Context, key, contentType string) (string, error)
	SignedPartWriteHandle(ctx context.Context, key, sessionID string, partNumber int32, ttl time.Duration) (string, error)
	// FinalizeChunkedUpload expects parts sorted by part number.
	FinalizeChunkedUpload(ctx context.Context, key, sessionID string, parts []CompletedPart) error
	AbortChunkedUpload(ctx context.Context, key, sessionID string) error

	Stat(ctx context.Context, key string) (ObjectInfo, error)
	SignedReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error)

	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key, contentType string) error

	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
	Delete(ctx context.Context, key string) error
}

// ContentTypeFor maps a container extension to the MIME type stored
// with the object.
func ContentTypeFor(container string) string {
	switch container {
	case "mp4":
		return "video/mp4"
	case "mkv":
		return "video/x-matroska"
	case "webm":
		return "video/webm"
	case "mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}
