// Package reconcile repairs drift between the record store and the object
// store: completed variants whose object vanished, processing variants
// whose job was dead-lettered, and objects nobody recorded (abandoned
// uploads, deletes that failed half way).
package reconcile

import (
	"context"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"
	"vidpipe/metrics"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/recordstore"
	"vidpipe/utils"
)

// MissingObjectError is stored on variants repaired by the sweep.
const MissingObjectError = "object missing"

// StalledJobError is stored on processing variants nobody reported on.
const StalledJobError = "transcode job stalled"

type Report struct {
	VariantsChecked  int `json:"variantsChecked"`
	VariantsRepaired int `json:"variantsRepaired"`
	VariantsStalled  int `json:"variantsStalled"`
	ObjectsChecked   int `json:"objectsChecked"`
	OrphansDeleted   int `json:"orphansDeleted"`
	Errors           int `json:"errors"`
}

type Sweeper struct {
	records    recordstore.Store
	objects    objectstore.Store
	grace      time.Duration
	stuckAfter time.Duration
	now        func() time.Time
}

// NewSweeper returns a sweeper that leaves unrecorded objects alone until
// they are older than grace, so uploads in progress are not collected.
// A processing variant untouched for stuckAfter is marked failed; zero
// disables that check.
func NewSweeper(records recordstore.Store, objects objectstore.Store, grace, stuckAfter time.Duration) *Sweeper {
	return &Sweeper{records: records, objects: objects, grace: grace, stuckAfter: stuckAfter, now: time.Now}
}

type staleVariant struct {
	owner string
	v     models.Variant
}

// Run performs one pass. Both halves are idempotent, so a pass cut short
// by ctx is simply finished by the next one.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report

	var missing, stalled []staleVariant
	stuckBefore := s.now().Add(-s.stuckAfter)
	err := s.records.ScanVariants(ctx, func(owner string, v models.Variant) error {
		if v.Status == models.StatusProcessing {
			if s.stuckAfter > 0 && lastTouched(v).Before(stuckBefore) {
				stalled = append(stalled, staleVariant{owner: owner, v: v})
			}
			return nil
		}
		if v.Status != models.StatusCompleted || v.ObjectKey == "" {
			return nil
		}
		rep.VariantsChecked++
		info, err := s.objects.Stat(ctx, v.ObjectKey)
		if err != nil {
			rep.Errors++
			logger.Warnf("Reconcile: failed to stat %s: %v", v.ObjectKey, err)
			return nil
		}
		if !info.Exists {
			missing = append(missing, staleVariant{owner: owner, v: v})
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	for _, m := range missing {
		if err := s.markMissing(ctx, m.owner, m.v); err != nil {
			rep.Errors++
			continue
		}
		rep.VariantsRepaired++
	}
	for _, m := range stalled {
		if err := s.markStalled(ctx, m.owner, m.v); err != nil {
			rep.Errors++
			continue
		}
		rep.VariantsStalled++
	}

	for _, prefix := range []string{utils.OriginalPrefix, utils.VariantPrefix} {
		if err := s.collectOrphans(ctx, prefix, &rep); err != nil {
			return rep, err
		}
	}

	logger.Infof("Reconcile finished: %d/%d variants repaired, %d stalled, %d/%d objects deleted, %d errors",
		rep.VariantsRepaired, rep.VariantsChecked, rep.VariantsStalled, rep.OrphansDeleted, rep.ObjectsChecked, rep.Errors)
	return rep, nil
}

func lastTouched(v models.Variant) time.Time {
	if v.UpdatedAt.IsZero() {
		return v.CreatedAt
	}
	return v.UpdatedAt
}

// fail marks v failed with msg, provided the row still holds the status
// and dispatch the scan saw. ok is false when the row moved on or was
// deleted in the meantime.
func (s *Sweeper) fail(ctx context.Context, owner string, v models.Variant, msg string) (ok bool, err error) {
	status := models.StatusFailed
	empty := ""
	_, err = s.records.PatchVariant(ctx, owner, v.VideoID, v.VariantID, models.VariantPatch{
		Status:       &status,
		Error:        &msg,
		URL:          &empty,
		IfStatus:     &v.Status,
		IfDispatchID: &v.DispatchID,
	})
	switch {
	case err == nil:
		return true, nil
	case apperr.Is(err, apperr.NotFound), apperr.Is(err, apperr.Conflict):
		return false, nil
	default:
		return false, err
	}
}

func (s *Sweeper) markMissing(ctx context.Context, owner string, v models.Variant) error {
	log := logger.With("video_id", v.VideoID, "variant_id", v.VariantID)
	ok, err := s.fail(ctx, owner, v, MissingObjectError)
	if err != nil {
		log.Errorf("Reconcile: failed to mark variant failed: %v", err)
		return err
	}
	if ok {
		metrics.ReconcileRepairs.WithLabelValues("variant").Inc()
		log.Warnf("Reconcile: object %s is gone, variant marked failed", v.ObjectKey)
	}
	return nil
}

// markStalled fails a variant whose job ran out of deliveries without a
// report, so a plain dispatch can retry it.
func (s *Sweeper) markStalled(ctx context.Context, owner string, v models.Variant) error {
	log := logger.With("video_id", v.VideoID, "variant_id", v.VariantID)
	ok, err := s.fail(ctx, owner, v, StalledJobError)
	if err != nil {
		log.Errorf("Reconcile: failed to mark stalled variant failed: %v", err)
		return err
	}
	if ok {
		metrics.ReconcileRepairs.WithLabelValues("stalled").Inc()
		log.Warnf("Reconcile: no report since %s, variant marked failed", lastTouched(v).Format(time.RFC3339))
	}
	return nil
}

func (s *Sweeper) collectOrphans(ctx context.Context, prefix string, rep *Report) error {
	cutoff := s.now().Add(-s.grace)
	var orphans []string
	known := map[string]bool{}

	err := s.objects.List(ctx, prefix, func(info objectstore.ObjectInfo) error {
		rep.ObjectsChecked++
		if info.LastModified.After(cutoff) {
			return nil
		}
		videoID, ok := utils.VideoIDFromKey(info.Key)
		if !ok {
			return nil
		}
		recorded, seen := known[videoID]
		if !seen {
			_, err := s.records.LookupOwner(ctx, videoID)
			switch {
			case err == nil:
				recorded = true
			case apperr.Is(err, apperr.NotFound):
				recorded = false
			default:
				rep.Errors++
				logger.Warnf("Reconcile: failed to look up %s: %v", videoID, err)
				return nil
			}
			known[videoID] = recorded
		}
		if !recorded {
			orphans = append(orphans, info.Key)
		}
		return nil
	})
	if err != nil {
		return apperr.Upstream(err, "failed to list %s", prefix)
	}

	for _, key := range orphans {
		if err := s.objects.Delete(ctx, key); err != nil {
			rep.Errors++
			logger.Warnf("Reconcile: failed to delete orphan %s: %v", key, err)
			continue
		}
		rep.OrphansDeleted++
		metrics.ReconcileRepairs.WithLabelValues("orphan").Inc()
		logger.Infof("Reconcile: deleted orphan object %s", key)
	}
	return nil
}
