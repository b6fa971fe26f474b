package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// S3Options tweak the client for S3-compatible endpoints (MinIO, LocalStack).
// Static keys, when both are set, replace the default credential chain.
type S3Options struct {
	Endpoint       string
	ForcePathStyle bool
	AccessKeyID    string
	SecretKey      string
}

// S3Store is the Amazon S3 backend. Signed handles are presigned
// requests; chunked uploads map onto S3 multipart uploads.
type S3Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

func NewS3(cfg aws.Config, bucket string, opts S3Options) *S3Store {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
		if opts.AccessKeyID != "" && opts.SecretKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretKey, "")
		}
	})
	return &S3Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
	}
}

// classify maps S3 error codes onto error kinds.
func classify(err error, format string, args ...interface{}) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall", "MalformedXML":
			return apperr.Wrap(apperr.BadRequest, err, format, args...)
		case "NoSuchKey", "NotFound":
			return apperr.Wrap(apperr.NotFound, err, format, args...)
		}
	}
	return apperr.Upstream(err, format, args...)
}

func (s *S3Store) PutDirect(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return classify(err, "failed to put object %s", key)
	}
	return nil
}

func (s *S3Store) SignedWriteHandle(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err, "failed to presign upload for %s", key)
	}
	return req.URL, nil
}

func (s *S3Store) BeginChunkedUpload(ctx context.Context, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classify(err, "failed to start multipart upload for %s", key)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) SignedPartWriteHandle(ctx context.Context, key, sessionID string, partNumber int32, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(sessionID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err, "failed to presign part %d of %s", partNumber, key)
	}
	return req.URL, nil
}

func (s *S3Store) FinalizeChunkedUpload(ctx context.Context, key, sessionID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{ETag: aws.String(p.ETag), PartNumber: aws.Int32(p.PartNumber)}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classify(err, "failed to complete multipart upload for %s", key)
	}
	return nil
}

func (s *S3Store) AbortChunkedUpload(ctx context.Context, key, sessionID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		return classify(err, "failed to abort multipart upload for %s", key)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		classified := classify(err, "failed to stat %s", key)
		if apperr.Is(classified, apperr.NotFound) {
			return ObjectInfo{Key: key}, nil
		}
		return ObjectInfo{}, classified
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		Exists:       true,
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
	}, nil
}

func (s *S3Store) SignedReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err, "failed to presign read for %s", key)
	}
	return req.URL, nil
}

func (s *S3Store) Download(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	n, err := s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(err, "failed to download %s", key)
	}
	logger.Debugf("Downloaded s3://%s/%s (%d bytes)", s.bucket, key, n)
	return nil
}

func (s *S3Store) Upload(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classify(err, "failed to upload object %s to bucket %s", key, s.bucket)
	}
	logger.Infof("Successfully uploaded object '%s' to bucket '%s'", key, s.bucket)
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return classify(err, "failed to list %s", prefix)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				Exists:       true,
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(err, "failed to delete %s", key)
	}
	return nil
}
