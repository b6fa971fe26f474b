package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"

	"cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS compose accepts at most this many sources per call.
const maxComposeSources = 32

// GCSStore is the Google Cloud Storage backend. GCS has no multipart
// upload with presigned parts, so a chunked session stages each part as
// its own object and FinalizeChunkedUpload composes them.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCS opens a client. An empty credentialsFile uses application
// default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucket), name: bucket}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func gcsError(err error, format string, args ...interface{}) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return apperr.Wrap(apperr.NotFound, err, format, args...)
	}
	return apperr.Upstream(err, format, args...)
}

func stagingPrefix(key, sessionID string) string {
	return key + ".parts/" + sessionID + "/"
}

func stagedPart(key, sessionID string, n int32) string {
	return fmt.Sprintf("%s%05d", stagingPrefix(key, sessionID), n)
}

func (s *GCSStore) write(ctx context.Context, key string, r io.Reader, contentType string) error {
	wc := s.bucket.Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return gcsError(err, "failed to write %s", key)
	}
	if err := wc.Close(); err != nil {
		return gcsError(err, "failed to write %s", key)
	}
	return nil
}

func (s *GCSStore) signed(key, method, contentType string, ttl time.Duration) (string, error) {
	u, err := s.bucket.SignedURL(key, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      method,
		ContentType: contentType,
		Expires:     time.Now().Add(ttl),
	})
	if err != nil {
		return "", apperr.Upstream(err, "failed to sign %s for %s", method, key)
	}
	return u, nil
}

func (s *GCSStore) PutDirect(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return s.write(ctx, key, body, contentType)
}

func (s *GCSStore) SignedWriteHandle(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.signed(key, http.MethodPut, contentType, ttl)
}

// BeginChunkedUpload writes a marker object so finalize can tell a live
// session from a made-up one.
func (s *GCSStore) BeginChunkedUpload(ctx context.Context, key, contentType string) (string, error) {
	id := uuid.NewString()
	marker := stagingPrefix(key, id) + "session"
	if err := s.write(ctx, marker, strings.NewReader(contentType), "text/plain"); err != nil {
		return "", err
	}
	return id, nil
}

func (s *GCSStore) SignedPartWriteHandle(ctx context.Context, key, sessionID string, partNumber int32, ttl time.Duration) (string, error) {
	if partNumber < 1 {
		return "", apperr.New(apperr.BadRequest, "part numbers start at 1")
	}
	return s.signed(stagedPart(key, sessionID, partNumber), http.MethodPut, "", ttl)
}

func (s *GCSStore) FinalizeChunkedUpload(ctx context.Context, key, sessionID string, parts []CompletedPart) error {
	if len(parts) == 0 {
		return apperr.New(apperr.BadRequest, "no parts to finalize")
	}
	markerAttrs, err := s.bucket.Object(stagingPrefix(key, sessionID) + "session").Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return apperr.New(apperr.BadRequest, "unknown upload session")
		}
		return gcsError(err, "failed to read upload session")
	}
	contentType := "application/octet-stream"
	if r, err := s.bucket.Object(markerAttrs.Name).NewReader(ctx); err == nil {
		if b, err := io.ReadAll(r); err == nil && len(b) > 0 {
			contentType = string(b)
		}
		r.Close()
	}

	names := make([]string, len(parts))
	for i, p := range parts {
		name := stagedPart(key, sessionID, p.PartNumber)
		attrs, err := s.bucket.Object(name).Attrs(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return apperr.New(apperr.BadRequest, "part %d was not uploaded", p.PartNumber)
			}
			return gcsError(err, "failed to read part %d", p.PartNumber)
		}
		if strings.Trim(attrs.Etag, `"`) != strings.Trim(p.ETag, `"`) {
			return apperr.New(apperr.BadRequest, "part %d does not match its ETag", p.PartNumber)
		}
		names[i] = name
	}

	if err := s.compose(ctx, key, sessionID, names, contentType); err != nil {
		return err
	}
	if err := s.deletePrefix(ctx, stagingPrefix(key, sessionID)); err != nil {
		logger.Warnf("Failed to clean up staged parts of %s: %v", key, err)
	}
	return nil
}

// compose folds names into key, 32 sources at a time, building
// intermediate objects level by level when there are more.
func (s *GCSStore) compose(ctx context.Context, key, sessionID string, names []string, contentType string) error {
	level := 0
	for len(names) > maxComposeSources {
		groups := (len(names) + maxComposeSources - 1) / maxComposeSources
		next := make([]string, groups)

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < groups; i++ {
			lo, hi := i*maxComposeSources, min((i+1)*maxComposeSources, len(names))
			dst := fmt.Sprintf("%sc%d-%05d", stagingPrefix(key, sessionID), level, i)
			next[i] = dst
			srcs := names[lo:hi]
			g.Go(func() error {
				return s.composeOnce(gctx, dst, srcs, contentType)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		names = next
		level++
	}
	return s.composeOnce(ctx, key, names, contentType)
}

func (s *GCSStore) composeOnce(ctx context.Context, dst string, srcs []string, contentType string) error {
	handles := make([]*storage.ObjectHandle, len(srcs))
	for i, name := range srcs {
		handles[i] = s.bucket.Object(name)
	}
	c := s.bucket.Object(dst).ComposerFrom(handles...)
	c.ContentType = contentType
	if _, err := c.Run(ctx); err != nil {
		return gcsError(err, "failed to compose %s", dst)
	}
	return nil
}

func (s *GCSStore) deletePrefix(ctx context.Context, prefix string) error {
	return s.List(ctx, prefix, func(info ObjectInfo) error {
		return s.Delete(ctx, info.Key)
	})
}

func (s *GCSStore) AbortChunkedUpload(ctx context.Context, key, sessionID string) error {
	return s.deletePrefix(ctx, stagingPrefix(key, sessionID))
}

func (s *GCSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{Key: key}, nil
		}
		return ObjectInfo{}, gcsError(err, "failed to stat %s", key)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, Exists: true, LastModified: attrs.Updated, ETag: attrs.Etag}, nil
}

func (s *GCSStore) SignedReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.signed(key, http.MethodGet, "", ttl)
}

func (s *GCSStore) Download(ctx context.Context, key, localPath string) error {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return gcsError(err, "failed to open %s", key)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return gcsError(err, "failed to download %s", key)
	}
	return nil
}

func (s *GCSStore) Upload(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := s.write(ctx, key, f, contentType); err != nil {
		return err
	}
	logger.Infof("Successfully uploaded object '%s' to bucket '%s'", key, s.name)
	return nil
}

func (s *GCSStore) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return gcsError(err, "failed to list %s", prefix)
		}
		if err := fn(ObjectInfo{Key: attrs.Name, Size: attrs.Size, Exists: true, LastModified: attrs.Updated, ETag: attrs.Etag}); err != nil {
			return err
		}
	}
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return gcsError(err, "failed to delete %s", key)
	}
	return nil
}
