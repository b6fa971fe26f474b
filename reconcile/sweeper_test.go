package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/recordstore"
	"vidpipe/utils"
)

func put(t *testing.T, s *objectstore.LocalStore, key, body string) {
	t.Helper()
	if err := s.PutDirect(context.Background(), key, strings.NewReader(body), int64(len(body)), "video/mp4"); err != nil {
		t.Fatalf("PutDirect %s failed: %v", key, err)
	}
}

func exists(t *testing.T, s *objectstore.LocalStore, key string) bool {
	t.Helper()
	info, err := s.Stat(context.Background(), key)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return info.Exists
}

func openStores(t *testing.T) (*recordstore.PebbleStore, *objectstore.LocalStore) {
	t.Helper()
	records, err := recordstore.OpenPebble(filepath.Join(t.TempDir(), "records"))
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })
	objects, err := objectstore.NewLocal(t.TempDir(), "http://objects.test", []byte("k"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return records, objects
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	records, objects := openStores(t)

	// A recorded video whose transcoded object disappeared.
	id := utils.NewVideoID()
	origKey := utils.OriginalKey(id, "a.mp4")
	put(t, objects, origKey, "orig")
	now := time.Now().UTC()
	video := models.Video{VideoID: id, FileName: "a.mp4", CreatedAt: now, CreatedBy: "alice", SourceKey: origKey}
	orig := models.Variant{VideoID: id, VariantID: utils.OriginalVariantID(id), Format: models.FormatOriginal,
		Status: models.StatusCompleted, ObjectKey: origKey, URL: "u", CreatedAt: now}
	if err := records.CreateVideo(ctx, video, orig); err != nil {
		t.Fatalf("CreateVideo failed: %v", err)
	}
	variantID := utils.VariantIDFor(id, models.FormatTranscoded)
	lost := models.Variant{VideoID: id, VariantID: variantID, Format: models.FormatTranscoded,
		Status: models.StatusCompleted, URL: "u", ObjectKey: utils.VariantKey(id, variantID, models.ContainerTranscoded)}
	if err := records.PutVariant(ctx, "alice", lost); err != nil {
		t.Fatalf("PutVariant failed: %v", err)
	}

	// Unrecorded objects: an abandoned upload and a leftover rendition.
	ghost := utils.NewVideoID()
	abandoned := utils.OriginalKey(ghost, "b.mp4")
	leftover := utils.VariantKey(ghost, ghost+"_x", "mkv")
	put(t, objects, abandoned, "b")
	put(t, objects, leftover, "c")

	s := NewSweeper(records, objects, time.Hour, 0)

	// Within the grace period nothing unrecorded is touched.
	rep, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.VariantsRepaired != 1 || rep.OrphansDeleted != 0 {
		t.Errorf("Unexpected first report %+v", rep)
	}
	if !exists(t, objects, abandoned) {
		t.Error("Fresh upload was collected")
	}

	_, variants, _ := records.QueryVideo(ctx, "alice", id)
	for _, v := range variants {
		switch v.Format {
		case models.FormatTranscoded:
			if v.Status != models.StatusFailed || v.Error != MissingObjectError || v.URL != "" {
				t.Errorf("Lost variant not repaired: %+v", v)
			}
		case models.FormatOriginal:
			if v.Status != models.StatusCompleted {
				t.Errorf("Healthy original changed: %+v", v)
			}
		}
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	rep, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.OrphansDeleted != 2 || rep.VariantsRepaired != 0 || rep.Errors != 0 {
		t.Errorf("Unexpected second report %+v", rep)
	}
	if exists(t, objects, abandoned) || exists(t, objects, leftover) {
		t.Error("Orphans survived the sweep")
	}
	if !exists(t, objects, origKey) {
		t.Error("Recorded original was deleted")
	}
}

func TestSweepFailsStalledVariants(t *testing.T) {
	ctx := context.Background()
	records, objects := openStores(t)
	now := time.Now().UTC()

	seed := func(touched time.Time) models.Variant {
		t.Helper()
		id := utils.NewVideoID()
		key := utils.OriginalKey(id, "a.mp4")
		put(t, objects, key, "orig")
		video := models.Video{VideoID: id, FileName: "a.mp4", CreatedAt: touched, CreatedBy: "alice", SourceKey: key}
		orig := models.Variant{VideoID: id, VariantID: utils.OriginalVariantID(id), Format: models.FormatOriginal,
			Status: models.StatusCompleted, ObjectKey: key, URL: "u", CreatedAt: touched}
		if err := records.CreateVideo(ctx, video, orig); err != nil {
			t.Fatalf("CreateVideo failed: %v", err)
		}
		variantID := utils.VariantIDFor(id, models.FormatTranscoded)
		v := models.Variant{VideoID: id, VariantID: variantID, Format: models.FormatTranscoded,
			Status: models.StatusProcessing, DispatchID: "d1", CreatedAt: touched, UpdatedAt: touched,
			ObjectKey: utils.VariantKey(id, variantID, models.ContainerTranscoded)}
		if err := records.PutVariant(ctx, "alice", v); err != nil {
			t.Fatalf("PutVariant failed: %v", err)
		}
		return v
	}
	stalled := seed(now.Add(-2 * time.Hour))
	running := seed(now.Add(-time.Minute))

	s := NewSweeper(records, objects, time.Hour, 15*time.Minute)
	rep, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.VariantsStalled != 1 || rep.Errors != 0 {
		t.Errorf("Unexpected report %+v", rep)
	}

	status := func(v models.Variant) models.Variant {
		t.Helper()
		_, variants, err := records.QueryVideo(ctx, "alice", v.VideoID)
		if err != nil {
			t.Fatalf("QueryVideo failed: %v", err)
		}
		for _, got := range variants {
			if got.VariantID == v.VariantID {
				return got
			}
		}
		t.Fatalf("Variant %s missing", v.VariantID)
		return models.Variant{}
	}
	if got := status(stalled); got.Status != models.StatusFailed || got.Error != StalledJobError {
		t.Errorf("Stalled variant not failed: %+v", got)
	}
	if got := status(running); got.Status != models.StatusProcessing {
		t.Errorf("Recent variant was touched: %+v", got)
	}

	// A second pass has nothing left to do.
	if rep, err := s.Run(ctx); err != nil || rep.VariantsStalled != 0 {
		t.Errorf("Second pass: %+v %v", rep, err)
	}
}
