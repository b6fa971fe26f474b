// Package videos serves reads and metadata edits of recorded videos and
// applies the terminal job reports coming back from workers.
package videos

import (
	"context"
	"strings"

	"vidpipe/apperr"
	"vidpipe/config"
	"vidpipe/logger"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/recordstore"
	"vidpipe/utils"
)

type Service struct {
	cfg     config.Config
	records recordstore.Store
	objects objectstore.Store
}

func NewService(cfg config.Config, records recordstore.Store, objects objectstore.Store) *Service {
	return &Service{cfg: cfg, records: records, objects: objects}
}

// Authorize resolves the owner of videoID and checks the caller may act on it.
func Authorize(ctx context.Context, records recordstore.Store, id models.Identity, videoID string) (string, error) {
	if !utils.ValidVideoID(videoID) {
		return "", apperr.New(apperr.BadRequest, "malformed videoId %q", videoID)
	}
	owner, err := records.LookupOwner(ctx, videoID)
	if err != nil {
		return "", err
	}
	if !id.CanAccess(owner) {
		return "", apperr.New(apperr.Forbidden, "video %s belongs to another owner", videoID)
	}
	return owner, nil
}

// Get returns the video with all variants. Completed variants get a fresh
// read handle; one whose object has gone missing is returned without a
// URL and flagged so the caller can force a new transcode.
func (s *Service) Get(ctx context.Context, id models.Identity, videoID string) (models.VideoDetail, error) {
	owner, err := Authorize(ctx, s.records, id, videoID)
	if err != nil {
		return models.VideoDetail{}, err
	}
	video, variants, err := s.records.QueryVideo(ctx, owner, videoID)
	if err != nil {
		return models.VideoDetail{}, err
	}
	for i := range variants {
		s.refresh(ctx, &variants[i])
	}
	if variants == nil {
		variants = []models.Variant{}
	}
	return models.VideoDetail{Video: video, Variants: variants}, nil
}

func (s *Service) refresh(ctx context.Context, v *models.Variant) {
	if v.Status != models.StatusCompleted || v.ObjectKey == "" {
		return
	}
	log := logger.With("video_id", v.VideoID, "variant_id", v.VariantID)

	info, err := s.objects.Stat(ctx, v.ObjectKey)
	if err != nil {
		log.Warnf("Failed to stat %s, serving stored url: %v", v.ObjectKey, err)
		return
	}
	if !info.Exists {
		log.Warnf("Object %s of a completed variant is missing", v.ObjectKey)
		v.URL = ""
		v.Missing = true
		return
	}
	url, err := s.objects.SignedReadHandle(ctx, v.ObjectKey, s.cfg.PresignTTL)
	if err != nil {
		log.Warnf("Failed to re-sign %s, serving stored url: %v", v.ObjectKey, err)
		return
	}
	v.URL = url
}

type ListOptions struct {
	Limit  int
	Sort   string
	Cursor string
	Owner  string
	All    bool
}

// ParseSort accepts createdAt:asc and createdAt:desc; the default is newest first.
func ParseSort(sort string) (descending bool, err error) {
	switch sort {
	case "", "createdAt:desc":
		return true, nil
	case "createdAt:asc":
		return false, nil
	default:
		return false, apperr.New(apperr.BadRequest, "unsupported sort %q", sort)
	}
}

// List pages through the caller's videos. Only admins may list another
// owner or every owner.
func (s *Service) List(ctx context.Context, id models.Identity, opts ListOptions) (recordstore.Page, error) {
	descending, err := ParseSort(opts.Sort)
	if err != nil {
		return recordstore.Page{}, err
	}
	q := recordstore.ListQuery{
		Owner:      id.Owner,
		Limit:      opts.Limit,
		Descending: descending,
		Cursor:     opts.Cursor,
	}
	if opts.All || (opts.Owner != "" && opts.Owner != id.Owner) {
		if !id.IsAdmin {
			return recordstore.Page{}, apperr.New(apperr.Forbidden, "listing other owners requires admin")
		}
		if opts.All {
			q.Owner, q.AllOwners = "", true
		} else {
			q.Owner = opts.Owner
		}
	}
	page, err := s.records.ListVideos(ctx, q)
	if err != nil {
		return recordstore.Page{}, err
	}
	if page.Videos == nil {
		page.Videos = []models.Video{}
	}
	return page, nil
}

func (s *Service) Update(ctx context.Context, id models.Identity, videoID string, patch models.VideoPatch) (models.Video, error) {
	if patch.Empty() {
		return models.Video{}, apperr.New(apperr.BadRequest, "nothing to update")
	}
	if patch.FileName != nil {
		if strings.TrimSpace(*patch.FileName) == "" {
			return models.Video{}, apperr.New(apperr.BadRequest, "fileName cannot be empty")
		}
		name := utils.SanitizeFileName(*patch.FileName)
		patch.FileName = &name
	}
	owner, err := Authorize(ctx, s.records, id, videoID)
	if err != nil {
		return models.Video{}, err
	}
	return s.records.PatchVideo(ctx, owner, videoID, patch)
}

type DeleteResult struct {
	VideoID        string `json:"videoId"`
	Rows           int    `json:"rows"`
	ObjectsRemoved int    `json:"objectsRemoved"`
}

// Delete removes every row of the video and then its objects. Object
// removal is best effort; the reconcile sweep collects leftovers.
func (s *Service) Delete(ctx context.Context, id models.Identity, videoID string) (DeleteResult, error) {
	owner, err := Authorize(ctx, s.records, id, videoID)
	if err != nil {
		return DeleteResult{}, err
	}
	video, variants, err := s.records.QueryVideo(ctx, owner, videoID)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return DeleteResult{}, err
	}

	n, err := s.records.DeleteVideo(ctx, owner, videoID)
	if err != nil {
		return DeleteResult{}, err
	}
	res := DeleteResult{VideoID: videoID, Rows: n}

	keys := map[string]bool{}
	if video.SourceKey != "" {
		keys[video.SourceKey] = true
	}
	for _, v := range variants {
		if v.ObjectKey != "" {
			keys[v.ObjectKey] = true
		}
	}
	log := logger.With("video_id", videoID, "owner", owner)
	for key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			log.Warnf("Failed to delete object %s: %v", key, err)
			continue
		}
		res.ObjectsRemoved++
	}
	log.Infof("Deleted video: %d rows, %d objects", res.Rows, res.ObjectsRemoved)
	return res, nil
}

// maxApplyAttempts bounds the re-checks of a report racing other writers.
const maxApplyAttempts = 3

// ApplyJobStatus records a worker's terminal report. Reports for an
// older dispatch than the row carries, and failures arriving after the
// same dispatch already completed, are acknowledged but not applied.
func (s *Service) ApplyJobStatus(ctx context.Context, u models.JobStatusUpdate) (models.Variant, bool, error) {
	if u.Owner == "" || u.VideoID == "" || u.VariantID == "" {
		return models.Variant{}, false, apperr.New(apperr.BadRequest, "owner, videoId and variantId are required")
	}
	if !u.Status.IsTerminal() {
		return models.Variant{}, false, apperr.New(apperr.BadRequest, "status must be completed or failed, got %q", u.Status)
	}
	if u.Status == models.StatusCompleted && u.URL == "" {
		return models.Variant{}, false, apperr.New(apperr.BadRequest, "a completed report needs a url")
	}

	log := logger.With("video_id", u.VideoID, "variant_id", u.VariantID, "status", u.Status)
	for attempt := 0; ; attempt++ {
		current, err := s.findVariant(ctx, u.Owner, u.VideoID, u.VariantID)
		if err != nil {
			return models.Variant{}, false, err
		}
		if u.DispatchID != "" && current.DispatchID != "" && u.DispatchID != current.DispatchID {
			log.Warnf("Ignoring report of superseded dispatch %s (current %s)", u.DispatchID, current.DispatchID)
			return current, false, nil
		}
		if current.Status == models.StatusCompleted && u.Status == models.StatusFailed {
			log.Warnf("Ignoring failure report for an already completed dispatch")
			return current, false, nil
		}

		// The patch only lands on the row state checked above; a dispatch
		// or report in between turns it into a Conflict and a re-check.
		status := u.Status
		patch := models.VariantPatch{
			Status:       &status,
			Error:        &u.Error,
			IfStatus:     &current.Status,
			IfDispatchID: &current.DispatchID,
		}
		if u.Status == models.StatusCompleted {
			empty := ""
			patch.URL, patch.Size, patch.Error = &u.URL, &u.Size, &empty
		}
		updated, err := s.records.PatchVariant(ctx, u.Owner, u.VideoID, u.VariantID, patch)
		if apperr.Is(err, apperr.Conflict) && attempt < maxApplyAttempts-1 {
			log.Debugf("Variant changed while applying report, re-checking")
			continue
		}
		if err != nil {
			return models.Variant{}, false, err
		}
		log.Infof("Applied job status")
		return updated, true, nil
	}
}

func (s *Service) findVariant(ctx context.Context, owner, videoID, variantID string) (models.Variant, error) {
	_, variants, err := s.records.QueryVideo(ctx, owner, videoID)
	if err != nil {
		return models.Variant{}, err
	}
	for _, v := range variants {
		if v.VariantID == variantID {
			return v, nil
		}
	}
	return models.Variant{}, apperr.New(apperr.NotFound, "variant %s of video %s not found", variantID, videoID)
}
