// Package upload hands out signed write handles for new originals and
// records the Video once the bytes are in the object store.
package upload

import (
	"context"
	"mime"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/config"
	"vidpipe/logger"
	"vidpipe/metrics"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/recordstore"
	"vidpipe/utils"
)

const (
	StrategySingle    = "single"
	StrategyMultipart = "multipart"
)

type SessionRequest struct {
	FileName    string `json:"fileName"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

type PartHandle struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
}

// Session tells the client where to PUT its bytes. Exactly one of URL or
// UploadID+Parts is set, depending on Strategy.
type Session struct {
	Strategy string       `json:"strategy"`
	VideoID  string       `json:"videoId"`
	Key      string       `json:"key"`
	URL      string       `json:"url,omitempty"`
	UploadID string       `json:"uploadId,omitempty"`
	PartSize int64        `json:"partSize,omitempty"`
	Parts    []PartHandle `json:"parts,omitempty"`
}

type CompleteRequest struct {
	VideoID     string                      `json:"videoId"`
	Key         string                      `json:"key"`
	UploadID    string                      `json:"uploadId,omitempty"`
	Parts       []objectstore.CompletedPart `json:"parts,omitempty"`
	Title       string                      `json:"title,omitempty"`
	Description *string                     `json:"description,omitempty"`
}

type Coordinator struct {
	cfg     config.Config
	objects objectstore.Store
	records recordstore.Store
	now     func() time.Time
}

func NewCoordinator(cfg config.Config, objects objectstore.Store, records recordstore.Store) *Coordinator {
	return &Coordinator{cfg: cfg, objects: objects, records: records, now: time.Now}
}

func (c *Coordinator) contentTypeAllowed(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return slices.Contains(c.cfg.AllowedMediaTypes, strings.ToLower(mediaType))
}

// PartCount is ceil(size/partSize).
func PartCount(size, partSize int64) int {
	return int((size + partSize - 1) / partSize)
}

// CreateSession validates the declaration, allocates a video id and
// returns write handles for a single or a multipart upload.
func (c *Coordinator) CreateSession(ctx context.Context, owner string, req SessionRequest) (Session, error) {
	if strings.TrimSpace(req.FileName) == "" {
		return Session{}, apperr.New(apperr.BadRequest, "fileName is required")
	}
	if !c.contentTypeAllowed(req.ContentType) {
		return Session{}, apperr.New(apperr.BadRequest, "content type %q is not accepted", req.ContentType)
	}
	if req.SizeBytes <= 0 {
		return Session{}, apperr.New(apperr.BadRequest, "sizeBytes must be positive")
	}
	if req.SizeBytes > c.cfg.MaxUploadSize {
		return Session{}, apperr.New(apperr.BadRequest, "sizeBytes exceeds the %d byte limit", c.cfg.MaxUploadSize)
	}

	videoID := utils.NewVideoID()
	key := utils.OriginalKey(videoID, req.FileName)
	log := logger.With("video_id", videoID, "owner", owner)

	if req.SizeBytes < c.cfg.MultipartThreshold {
		url, err := c.objects.SignedWriteHandle(ctx, key, req.ContentType, c.cfg.PresignTTL)
		if err != nil {
			return Session{}, apperr.Upstream(err, "failed to sign upload handle")
		}
		metrics.UploadSessions.WithLabelValues(StrategySingle).Inc()
		log.Infof("Created single upload session for %s (%d bytes)", key, req.SizeBytes)
		return Session{Strategy: StrategySingle, VideoID: videoID, Key: key, URL: url}, nil
	}

	uploadID, err := c.objects.BeginChunkedUpload(ctx, key, req.ContentType)
	if err != nil {
		return Session{}, apperr.Upstream(err, "failed to start chunked upload")
	}

	n := PartCount(req.SizeBytes, c.cfg.PartSize)
	parts := make([]PartHandle, n)
	for i := range parts {
		partNumber := int32(i + 1)
		url, err := c.objects.SignedPartWriteHandle(ctx, key, uploadID, partNumber, c.cfg.PresignTTL)
		if err != nil {
			if abortErr := c.objects.AbortChunkedUpload(ctx, key, uploadID); abortErr != nil {
				log.Warnf("Failed to abort chunked upload %s: %v", uploadID, abortErr)
			}
			return Session{}, apperr.Upstream(err, "failed to sign part %d", partNumber)
		}
		parts[i] = PartHandle{PartNumber: partNumber, URL: url}
	}

	metrics.UploadSessions.WithLabelValues(StrategyMultipart).Inc()
	log.Infof("Created multipart upload session for %s: %d parts of %d bytes", key, n, c.cfg.PartSize)
	return Session{
		Strategy: StrategyMultipart,
		VideoID:  videoID,
		Key:      key,
		UploadID: uploadID,
		PartSize: c.cfg.PartSize,
		Parts:    parts,
	}, nil
}

// validateParts rejects part lists that can never be finalized and
// returns a copy sorted by part number.
func validateParts(parts []objectstore.CompletedPart) ([]objectstore.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, apperr.New(apperr.BadRequest, "parts are required to complete a multipart upload")
	}
	seen := make(map[int32]bool, len(parts))
	for _, p := range parts {
		if p.PartNumber < 1 {
			return nil, apperr.New(apperr.BadRequest, "part numbers start at 1, got %d", p.PartNumber)
		}
		if seen[p.PartNumber] {
			return nil, apperr.New(apperr.BadRequest, "part %d listed twice", p.PartNumber)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, apperr.New(apperr.BadRequest, "part %d has no eTag", p.PartNumber)
		}
		seen[p.PartNumber] = true
	}

	sorted := append([]objectstore.CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted, nil
}

// Complete finalizes a chunked upload when a session id is present, checks
// that the object really exists, and writes the Video together with its
// original Variant.
func (c *Coordinator) Complete(ctx context.Context, owner string, req CompleteRequest) (models.Video, error) {
	if !utils.ValidVideoID(req.VideoID) {
		return models.Video{}, apperr.New(apperr.BadRequest, "malformed videoId")
	}
	if !utils.KeyBelongsTo(req.Key, req.VideoID) {
		return models.Video{}, apperr.New(apperr.BadRequest, "key does not belong to video %s", req.VideoID)
	}
	if req.UploadID == "" && len(req.Parts) > 0 {
		return models.Video{}, apperr.New(apperr.BadRequest, "parts given without uploadId")
	}

	log := logger.With("video_id", req.VideoID, "owner", owner)
	strategy := StrategySingle

	if req.UploadID != "" {
		parts, err := validateParts(req.Parts)
		if err != nil {
			return models.Video{}, err
		}
		if err := c.objects.FinalizeChunkedUpload(ctx, req.Key, req.UploadID, parts); err != nil {
			return models.Video{}, apperr.Upstream(err, "failed to finalize chunked upload")
		}
		strategy = StrategyMultipart
		log.Infof("Finalized chunked upload %s with %d parts", req.UploadID, len(parts))
	}

	info, err := c.objects.Stat(ctx, req.Key)
	if err != nil {
		return models.Video{}, apperr.Upstream(err, "failed to stat uploaded object")
	}
	if !info.Exists {
		return models.Video{}, apperr.New(apperr.NotFound, "no object was uploaded at %s", req.Key)
	}
	if info.Size > c.cfg.MaxUploadSize {
		if err := c.objects.Delete(ctx, req.Key); err != nil {
			log.Warnf("Failed to delete oversized upload %s: %v", req.Key, err)
		}
		return models.Video{}, apperr.New(apperr.BadRequest, "uploaded object exceeds the %d byte limit", c.cfg.MaxUploadSize)
	}

	readURL, err := c.objects.SignedReadHandle(ctx, req.Key, c.cfg.PresignTTL)
	if err != nil {
		return models.Video{}, apperr.Upstream(err, "failed to sign read handle")
	}

	now := c.now().UTC()
	video := models.Video{
		VideoID:     req.VideoID,
		FileName:    path.Base(req.Key),
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   now,
		CreatedBy:   owner,
		SourceKey:   req.Key,
	}
	original := models.Variant{
		VideoID:    req.VideoID,
		VariantID:  utils.OriginalVariantID(req.VideoID),
		Format:     models.FormatOriginal,
		Resolution: models.ResolutionOriginal,
		Size:       info.Size,
		Status:     models.StatusCompleted,
		URL:        readURL,
		ObjectKey:  req.Key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// The object is kept on failure: the write may have landed anyway, and
	// a retried completion needs it. Truly orphaned uploads are left to
	// the reconcile sweep.
	if err := c.records.CreateVideo(ctx, video, original); err != nil {
		return models.Video{}, err
	}

	metrics.UploadsCompleted.WithLabelValues(strategy).Inc()
	log.Infof("Recorded upload %s (%d bytes)", req.Key, info.Size)
	return video, nil
}
