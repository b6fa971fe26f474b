package upload

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vidpipe/apperr"
	"vidpipe/config"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/recordstore"
	"vidpipe/utils"
)

const mb = 1024 * 1024

// countingStore records how many calls reach the object store.
type countingStore struct {
	objectstore.Store
	calls atomic.Int32
}

func (s *countingStore) FinalizeChunkedUpload(ctx context.Context, key, sessionID string, parts []objectstore.CompletedPart) error {
	s.calls.Add(1)
	return s.Store.FinalizeChunkedUpload(ctx, key, sessionID, parts)
}

func (s *countingStore) Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	s.calls.Add(1)
	return s.Store.Stat(ctx, key)
}

type fixture struct {
	coord   *Coordinator
	objects *countingStore
	records *recordstore.PebbleStore
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	local, err := objectstore.NewLocal(t.TempDir(), srv.URL, []byte("upload-test-key"))
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	mux.Handle("/objects/", local.Handler())

	records, err := recordstore.OpenPebble(filepath.Join(t.TempDir(), "records"))
	if err != nil {
		t.Fatalf("OpenPebble failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	objects := &countingStore{Store: local}
	return &fixture{coord: NewCoordinator(cfg, objects, records), objects: objects, records: records}
}

func baseConfig() config.Config {
	return config.Config{
		AllowedMediaTypes:  []string{"video/mp4"},
		MultipartThreshold: 100 * mb,
		PartSize:           10 * mb,
		MaxUploadSize:      1024 * mb,
		PresignTTL:         time.Minute,
	}
}

func put(t *testing.T, url string, body []byte) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT returned %d", resp.StatusCode)
	}
	return resp.Header.Get("ETag")
}

func TestCreateSessionStrategy(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	small, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "clip.mp4", SizeBytes: 5 * mb, ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if small.Strategy != StrategySingle || small.URL == "" || len(small.Parts) != 0 {
		t.Errorf("Expected single strategy, got %+v", small)
	}
	if !utils.ValidVideoID(small.VideoID) || small.Key != "original/"+small.VideoID+"/clip.mp4" {
		t.Errorf("Unexpected id/key %s %s", small.VideoID, small.Key)
	}

	big, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "movie.mp4", SizeBytes: 250 * mb, ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if big.Strategy != StrategyMultipart || big.UploadID == "" || big.PartSize != 10*mb {
		t.Fatalf("Expected multipart strategy, got %+v", big)
	}
	if len(big.Parts) != 25 {
		t.Fatalf("Expected 25 parts, got %d", len(big.Parts))
	}
	for i, p := range big.Parts {
		if p.PartNumber != int32(i+1) || p.URL == "" {
			t.Errorf("Part %d malformed: %+v", i, p)
		}
	}

	// At the threshold exactly, multipart is used.
	edge, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "edge.mp4", SizeBytes: 100 * mb, ContentType: "video/mp4"})
	if err != nil || edge.Strategy != StrategyMultipart || len(edge.Parts) != 10 {
		t.Errorf("Unexpected threshold session %+v, %v", edge, err)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	cases := []SessionRequest{
		{FileName: "", SizeBytes: 10, ContentType: "video/mp4"},
		{FileName: "a.mov", SizeBytes: 10, ContentType: "video/quicktime"},
		{FileName: "a.mp4", SizeBytes: 0, ContentType: "video/mp4"},
		{FileName: "a.mp4", SizeBytes: 2048 * mb, ContentType: "video/mp4"},
		{FileName: "a.mp4", SizeBytes: 10, ContentType: "not a type;;"},
	}
	for _, req := range cases {
		if _, err := f.coord.CreateSession(ctx, "alice", req); !apperr.Is(err, apperr.BadRequest) {
			t.Errorf("Expected BadRequest for %+v, got %v", req, err)
		}
	}

	if _, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "../../x.mp4", SizeBytes: 10, ContentType: "Video/MP4; codecs=avc1"}); err != nil {
		t.Errorf("Content type parameters should be ignored, got %v", err)
	}
}

func TestPartCount(t *testing.T) {
	cases := []struct{ size, part int64; want int }{
		{250 * mb, 10 * mb, 25},
		{100 * mb, 10 * mb, 10},
		{100*mb + 1, 10 * mb, 11},
		{1, 5 * mb, 1},
	}
	for _, c := range cases {
		if got := PartCount(c.size, c.part); got != c.want {
			t.Errorf("PartCount(%d, %d) = %d, want %d", c.size, c.part, got, c.want)
		}
	}
}

func TestCompleteSingleUpload(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	s, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "clip.mp4", SizeBytes: 11, ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Nothing uploaded yet: NotFound and no records.
	if _, err := f.coord.Complete(ctx, "alice", CompleteRequest{VideoID: s.VideoID, Key: s.Key}); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("Expected NotFound before upload, got %v", err)
	}
	if _, err := f.records.LookupOwner(ctx, s.VideoID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("A record was written for a missing object: %v", err)
	}

	put(t, s.URL, []byte("hello video"))

	video, err := f.coord.Complete(ctx, "alice", CompleteRequest{VideoID: s.VideoID, Key: s.Key, Title: "Holiday"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if video.FileName != "clip.mp4" || video.CreatedBy != "alice" || video.Title != "Holiday" {
		t.Errorf("Unexpected video %+v", video)
	}

	_, variants, err := f.records.QueryVideo(ctx, "alice", s.VideoID)
	if err != nil {
		t.Fatalf("QueryVideo failed: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("Expected the original variant only, got %d", len(variants))
	}
	orig := variants[0]
	if orig.VariantID != s.VideoID+"_1" || orig.Format != models.FormatOriginal || orig.Status != models.StatusCompleted ||
		orig.Size != 11 || orig.URL == "" || orig.ObjectKey != s.Key {
		t.Errorf("Unexpected original variant %+v", orig)
	}

	if _, err := f.coord.Complete(ctx, "alice", CompleteRequest{VideoID: s.VideoID, Key: s.Key}); !apperr.Is(err, apperr.Conflict) {
		t.Errorf("Expected Conflict completing twice, got %v", err)
	}
}

func TestCompleteMultipartSortsParts(t *testing.T) {
	cfg := baseConfig()
	cfg.MultipartThreshold = 8
	cfg.PartSize = 4
	f := newFixture(t, cfg)
	ctx := context.Background()

	payload := []byte("0123456789abcdefghij!")
	s, err := f.coord.CreateSession(ctx, "bob", SessionRequest{FileName: "movie.mp4", SizeBytes: int64(len(payload)), ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(s.Parts) != 6 {
		t.Fatalf("Expected 6 parts, got %d", len(s.Parts))
	}

	var parts []objectstore.CompletedPart
	for i, p := range s.Parts {
		lo, hi := i*4, min((i+1)*4, len(payload))
		etag := put(t, p.URL, payload[lo:hi])
		parts = append(parts, objectstore.CompletedPart{PartNumber: p.PartNumber, ETag: etag})
	}
	rand.New(rand.NewSource(7)).Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

	video, err := f.coord.Complete(ctx, "bob", CompleteRequest{VideoID: s.VideoID, Key: s.Key, UploadID: s.UploadID, Parts: parts})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	_, variants, _ := f.records.QueryVideo(ctx, "bob", video.VideoID)
	if len(variants) != 1 || variants[0].Size != int64(len(payload)) {
		t.Errorf("Unexpected variants %+v", variants)
	}
}

func TestCompleteRejectsBadPartsBeforeStoreCalls(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()
	id := utils.NewVideoID()
	key := utils.OriginalKey(id, "a.mp4")

	bad := []CompleteRequest{
		{VideoID: id, Key: key, UploadID: "u"},
		{VideoID: id, Key: key, UploadID: "u", Parts: []objectstore.CompletedPart{{PartNumber: 0, ETag: "x"}}},
		{VideoID: id, Key: key, UploadID: "u", Parts: []objectstore.CompletedPart{{PartNumber: 1, ETag: "x"}, {PartNumber: 1, ETag: "y"}}},
		{VideoID: id, Key: key, UploadID: "u", Parts: []objectstore.CompletedPart{{PartNumber: 1, ETag: " "}}},
		{VideoID: id, Key: key, Parts: []objectstore.CompletedPart{{PartNumber: 1, ETag: "x"}}},
		{VideoID: id, Key: strings.Replace(key, id, utils.NewVideoID(), 1)},
		{VideoID: "nope", Key: key},
	}
	for _, req := range bad {
		if _, err := f.coord.Complete(ctx, "alice", req); !apperr.Is(err, apperr.BadRequest) {
			t.Errorf("Expected BadRequest for %+v, got %v", req, err)
		}
	}
	if n := f.objects.calls.Load(); n != 0 {
		t.Errorf("Expected no object store calls, got %d", n)
	}
}

// unavailableRecords fails CreateVideo as an unreachable backend would.
type unavailableRecords struct {
	recordstore.Store
}

func (unavailableRecords) CreateVideo(ctx context.Context, video models.Video, original models.Variant) error {
	return apperr.Upstream(context.DeadlineExceeded, "record store timed out")
}

// The write may have landed even though it reported an error, so the
// object stays in place and the client can retry the completion.
func TestCompleteKeepsObjectWhenRecordWriteFails(t *testing.T) {
	f := newFixture(t, baseConfig())
	ctx := context.Background()

	s, err := f.coord.CreateSession(ctx, "alice", SessionRequest{FileName: "clip.mp4", SizeBytes: 5, ContentType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	put(t, s.URL, []byte("video"))

	broken := NewCoordinator(baseConfig(), f.objects, unavailableRecords{Store: f.records})
	if _, err := broken.Complete(ctx, "alice", CompleteRequest{VideoID: s.VideoID, Key: s.Key}); !apperr.Is(err, apperr.UpstreamUnavailable) {
		t.Fatalf("Expected UpstreamUnavailable, got %v", err)
	}
	info, err := f.objects.Stat(ctx, s.Key)
	if err != nil || !info.Exists {
		t.Fatalf("Upload was removed after a failed record write: %+v %v", info, err)
	}

	if _, err := f.coord.Complete(ctx, "alice", CompleteRequest{VideoID: s.VideoID, Key: s.Key}); err != nil {
		t.Fatalf("Retried Complete failed: %v", err)
	}
}
