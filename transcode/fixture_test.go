package transcode

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vidpipe/config"
	"vidpipe/encoder"
	"vidpipe/journal"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/queue"
	"vidpipe/recordstore"
	"vidpipe/utils"
	"vidpipe/videos"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const visibility = 30 * time.Second

type fixture struct {
	cfg        config.Config
	clock      *fakeClock
	records    *recordstore.PebbleStore
	objects    *objectstore.LocalStore
	queue      *queue.LocalQueue
	journal    *journal.Store
	service    *videos.Service
	dispatcher *Dispatcher
	codecs     *encoder.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	records, err := recordstore.OpenPebble(filepath.Join(dir, "records"))
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	objects, err := objectstore.NewLocal(filepath.Join(dir, "objects"), "http://objects.test", []byte("transcode-test-key"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}

	clock := &fakeClock{t: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	q, err := queue.OpenLocal(filepath.Join(dir, "queue"), queue.LocalOptions{Visibility: visibility, MaxReceive: 3, Now: clock.Now})
	if err != nil {
		t.Fatalf("OpenLocal failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	j, err := journal.Open(filepath.Join(dir, "journal"))
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	cfg := config.Config{
		PresignTTL:        time.Minute,
		VisibilityTimeout: visibility,
		HeartbeatPeriod:   time.Hour,
		MaxConcurrentJobs: 2,
		ReceiveWait:       20 * time.Millisecond,
		WorkerTmpDir:      t.TempDir(),
	}
	codecs := encoder.NewRegistry()
	encoder.RegisterCopy(codecs)

	return &fixture{
		cfg:        cfg,
		clock:      clock,
		records:    records,
		objects:    objects,
		queue:      q,
		journal:    j,
		service:    videos.NewService(cfg, records, objects),
		dispatcher: NewDispatcher(records, q),
		codecs:     codecs,
	}
}

func (f *fixture) worker(reporter Reporter) *Worker {
	if reporter == nil {
		reporter = DirectReporter{Service: f.service}
	}
	return NewWorker(f.cfg, WorkerDeps{
		Queue:    f.queue,
		Objects:  f.objects,
		Codecs:   f.codecs,
		Codec:    encoder.CodecCopy,
		Reporter: reporter,
		Journal:  f.journal,
	})
}

// seed records an uploaded video owned by owner and returns its id.
func (f *fixture) seed(t *testing.T, owner, content string) string {
	t.Helper()
	ctx := context.Background()
	id := utils.NewVideoID()
	key := utils.OriginalKey(id, "clip.mp4")
	if err := f.objects.PutDirect(ctx, key, strings.NewReader(content), int64(len(content)), "video/mp4"); err != nil {
		t.Fatalf("PutDirect failed: %v", err)
	}
	now := f.clock.Now()
	video := models.Video{VideoID: id, FileName: "clip.mp4", CreatedAt: now, CreatedBy: owner, SourceKey: key}
	orig := models.Variant{
		VideoID: id, VariantID: utils.OriginalVariantID(id), Format: models.FormatOriginal,
		Resolution: models.ResolutionOriginal, Size: int64(len(content)), Status: models.StatusCompleted,
		ObjectKey: key, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.records.CreateVideo(ctx, video, orig); err != nil {
		t.Fatalf("CreateVideo failed: %v", err)
	}
	return id
}

func (f *fixture) transcoded(t *testing.T, owner, id string) (models.Variant, bool) {
	t.Helper()
	_, variants, err := f.records.QueryVideo(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("QueryVideo failed: %v", err)
	}
	var found *models.Variant
	for i := range variants {
		if variants[i].Format != models.FormatTranscoded {
			continue
		}
		if found != nil {
			t.Fatalf("More than one transcoded variant for %s", id)
		}
		found = &variants[i]
	}
	if found == nil {
		return models.Variant{}, false
	}
	return *found, true
}

// drain receives everything currently visible.
func (f *fixture) drain(t *testing.T) []queue.Message {
	t.Helper()
	msgs, err := f.queue.Receive(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	return msgs
}

var alice = models.Identity{Owner: "alice"}
