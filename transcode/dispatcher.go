package transcode

import (
	"context"
	"encoding/json"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"
	"vidpipe/metrics"
	"vidpipe/models"
	"vidpipe/queue"
	"vidpipe/recordstore"
	"vidpipe/utils"
	"vidpipe/videos"
)

type DispatchOptions struct {
	Force bool `json:"force"`
}

// DispatchResult is what the caller sees: the Variant's state after the
// request, and whether this call started a new job.
type DispatchResult struct {
	VideoID   string                 `json:"videoId"`
	VariantID string                 `json:"variantId"`
	Status    models.TranscodeStatus `json:"status"`
	URL       string                 `json:"url,omitempty"`
	Enqueued  bool                   `json:"enqueued"`
}

// Dispatcher moves a video's transcoded Variant to processing and queues
// the job. Without force only an absent or failed Variant is dispatched;
// processing and completed ones are returned as they are.
type Dispatcher struct {
	records recordstore.Store
	queue   queue.Queue
	locks   *keyedMutex
	now     func() time.Time
}

func NewDispatcher(records recordstore.Store, q queue.Queue) *Dispatcher {
	return &Dispatcher{records: records, queue: q, locks: newKeyedMutex(), now: time.Now}
}

func findFormat(variants []models.Variant, format string) *models.Variant {
	for i := range variants {
		if variants[i].Format == format {
			return &variants[i]
		}
	}
	return nil
}

func resultOf(v models.Variant, enqueued bool) DispatchResult {
	return DispatchResult{VideoID: v.VideoID, VariantID: v.VariantID, Status: v.Status, URL: v.URL, Enqueued: enqueued}
}

func (d *Dispatcher) Dispatch(ctx context.Context, id models.Identity, videoID string, opts DispatchOptions) (DispatchResult, error) {
	owner, err := videos.Authorize(ctx, d.records, id, videoID)
	if err != nil {
		return DispatchResult{}, err
	}
	unlock := d.locks.Lock(videoID)
	defer unlock()

	res, err := d.dispatch(ctx, owner, videoID, opts.Force, true)
	switch {
	case err != nil:
		metrics.Dispatches.WithLabelValues("error").Inc()
	case res.Enqueued:
		metrics.Dispatches.WithLabelValues("enqueued").Inc()
	default:
		metrics.Dispatches.WithLabelValues("existing").Inc()
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, owner, videoID string, force, retryOnConflict bool) (DispatchResult, error) {
	video, variants, err := d.records.QueryVideo(ctx, owner, videoID)
	if err != nil {
		return DispatchResult{}, err
	}
	sourceKey := video.SourceKey
	if orig := findFormat(variants, models.FormatOriginal); orig != nil && orig.ObjectKey != "" {
		sourceKey = orig.ObjectKey
	}
	if sourceKey == "" {
		return DispatchResult{}, apperr.New(apperr.NotFound, "video %s has no original object", videoID)
	}

	log := logger.With("video_id", videoID, "owner", owner)
	existing := findFormat(variants, models.FormatTranscoded)
	if existing != nil && !force && existing.Status != models.StatusFailed {
		log.Debugf("Transcode already %s, nothing to do", existing.Status)
		return resultOf(*existing, false), nil
	}

	dispatchID := utils.NewDispatchID()
	now := d.now().UTC()
	var variant models.Variant

	if existing == nil {
		variantID := utils.VariantIDFor(videoID, models.FormatTranscoded)
		variant = models.Variant{
			VideoID:    videoID,
			VariantID:  variantID,
			Format:     models.FormatTranscoded,
			Resolution: models.ResolutionOriginal,
			Status:     models.StatusProcessing,
			ObjectKey:  utils.VariantKey(videoID, variantID, models.ContainerTranscoded),
			DispatchID: dispatchID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := d.records.PutVariant(ctx, owner, variant); err != nil {
			if apperr.Is(err, apperr.Conflict) && retryOnConflict {
				// Another instance created it first; report its row.
				return d.dispatch(ctx, owner, videoID, false, false)
			}
			return DispatchResult{}, err
		}
	} else {
		status := models.StatusProcessing
		empty := ""
		var zero int64
		variant, err = d.records.PatchVariant(ctx, owner, videoID, existing.VariantID, models.VariantPatch{
			Status:     &status,
			URL:        &empty,
			Size:       &zero,
			Error:      &empty,
			DispatchID: &dispatchID,
		})
		if err != nil {
			return DispatchResult{}, err
		}
		if variant.ObjectKey == "" {
			variant.ObjectKey = utils.VariantKey(videoID, variant.VariantID, models.ContainerTranscoded)
		}
		log.Infof("Re-dispatching %s (was %s, force=%v)", variant.VariantID, existing.Status, force)
	}

	msg := models.JobMessage{
		VideoID:    videoID,
		VariantID:  variant.VariantID,
		Owner:      owner,
		SourceKey:  sourceKey,
		DestKey:    variant.ObjectKey,
		DispatchID: dispatchID,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return DispatchResult{}, apperr.Wrap(apperr.Internal, err, "failed to encode job")
	}
	attrs := map[string]string{"videoId": videoID, "variantId": variant.VariantID}
	if _, err := d.queue.Enqueue(ctx, body, attrs); err != nil {
		d.rollBack(ctx, owner, variant, err)
		return DispatchResult{}, apperr.Upstream(err, "failed to enqueue transcode job")
	}

	log.Infof("Enqueued transcode of %s into %s", sourceKey, variant.ObjectKey)
	return resultOf(variant, true), nil
}

// rollBack marks a variant whose job never reached the queue as failed so
// it does not sit in processing forever.
func (d *Dispatcher) rollBack(ctx context.Context, owner string, v models.Variant, cause error) {
	status := models.StatusFailed
	msg := "enqueue failed: " + cause.Error()
	if _, err := d.records.PatchVariant(context.WithoutCancel(ctx), owner, v.VideoID, v.VariantID, models.VariantPatch{
		Status:       &status,
		Error:        &msg,
		IfDispatchID: &v.DispatchID,
	}); err != nil {
		logger.With("video_id", v.VideoID, "variant_id", v.VariantID).
			Errorf("Failed to roll back variant after enqueue failure: %v", err)
	}
}
