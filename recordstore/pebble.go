package recordstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"vidpipe/apperr"
	"vidpipe/models"

	"github.com/cockroachdb/errors"
	pebble "github.com/cockroachdb/pebble"
)

// Key layout inside the embedded database:
//
//	r/<owner>/<sort key>                    Video and Variant rows (JSON)
//	i/o/<owner>/<createdAt>/<videoId>       per-owner creation index
//	i/a/<createdAt>/<owner>/<videoId>       all-owner creation index
//	p/<videoId>                             owner pointer
//
// Owners are path-escaped; createdAt is zero-padded unix nanoseconds so
// byte order matches time order.
const (
	rowPrefix      = "r/"
	ownerIdxPrefix = "i/o/"
	allIdxPrefix   = "i/a/"
	pointerPrefix  = "p/"
)

// PebbleStore keeps records in a single embedded pebble database. The
// mutex serialises every check-then-write so conditional writes hold
// within the process that owns the database.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

// variantRow is the stored form of a Variant. It keeps the fields the
// API representation hides.
type variantRow struct {
	models.Variant
	ObjectKey  string `json:"objectKey"`
	DispatchID string `json:"dispatchId,omitempty"`
}

func toRow(v models.Variant) variantRow {
	return variantRow{Variant: v, ObjectKey: v.ObjectKey, DispatchID: v.DispatchID}
}

func (r variantRow) variant() models.Variant {
	v := r.Variant
	v.ObjectKey, v.DispatchID = r.ObjectKey, r.DispatchID
	return v
}

func decodeVariant(data []byte) (models.Variant, error) {
	var r variantRow
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Variant{}, err
	}
	return r.variant(), nil
}

// OpenPebble opens (or creates) the record database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func (s *PebbleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CheckHealth verifies the database answers reads.
func (s *PebbleStore) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("record store health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}

func escapeOwner(owner string) string { return url.PathEscape(owner) }

func rowKey(owner, sortKey string) []byte {
	return []byte(rowPrefix + escapeOwner(owner) + "/" + sortKey)
}

// sortKeyOf strips the row prefix and the escaped owner from a row key.
func sortKeyOf(key []byte) string {
	rest := strings.TrimPrefix(string(key), rowPrefix)
	_, sortKey, _ := strings.Cut(rest, "/")
	return sortKey
}

func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func ownerIndexKey(v models.Video) []byte {
	return []byte(ownerIdxPrefix + escapeOwner(v.CreatedBy) + "/" + stamp(v.CreatedAt) + "/" + v.VideoID)
}

func allIndexKey(v models.Video) []byte {
	return []byte(allIdxPrefix + stamp(v.CreatedAt) + "/" + escapeOwner(v.CreatedBy) + "/" + v.VideoID)
}

func pointerKey(videoID string) []byte {
	return []byte(pointerPrefix + videoID)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Internal, err, "record lookup failed")
	}
	closer.Close()
	return true, nil
}

// getJSON loads key into out; found is false when the key is absent.
func (s *PebbleStore) getJSON(key []byte, out interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.Internal, err, "record lookup failed")
	}
	defer closer.Close()
	if err := json.Unmarshal(data, out); err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "corrupt record %s", key)
	}
	return true, nil
}

func (s *PebbleStore) setJSON(key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode record")
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to write record")
	}
	return nil
}

func (s *PebbleStore) CreateVideo(ctx context.Context, video models.Video, original models.Variant) error {
	if video.VideoID == "" || video.CreatedBy == "" || original.VideoID != video.VideoID {
		return apperr.New(apperr.BadRequest, "video and original variant must share a video id and owner")
	}

	videoData, err := json.Marshal(video)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode video")
	}
	variantData, err := json.Marshal(toRow(original))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode variant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.exists(pointerKey(video.VideoID))
	if err != nil {
		return err
	}
	if taken {
		return apperr.New(apperr.Conflict, "video %s already exists", video.VideoID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	b.Set(rowKey(video.CreatedBy, metaSortKey(video.VideoID)), videoData, nil)
	b.Set(rowKey(video.CreatedBy, variantSortKey(video.VideoID, original.VariantID)), variantData, nil)
	b.Set(ownerIndexKey(video), nil, nil)
	b.Set(allIndexKey(video), nil, nil)
	b.Set(pointerKey(video.VideoID), []byte(video.CreatedBy), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to commit video %s", video.VideoID)
	}
	return nil
}

func (s *PebbleStore) PutVariant(ctx context.Context, owner string, variant models.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.exists(rowKey(owner, metaSortKey(variant.VideoID)))
	if err != nil {
		return err
	}
	if !ok {
		return notFound(variant.VideoID)
	}

	key := rowKey(owner, variantSortKey(variant.VideoID, variant.VariantID))
	dup, err := s.exists(key)
	if err != nil {
		return err
	}
	if dup {
		return apperr.New(apperr.Conflict, "variant %s already exists", variant.VariantID)
	}
	return s.setJSON(key, toRow(variant))
}

func (s *PebbleStore) PatchVariant(ctx context.Context, owner, videoID, variantID string, patch models.VariantPatch) (models.Variant, error) {
	if patch.Empty() {
		return models.Variant{}, apperr.New(apperr.BadRequest, "no attributes to update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rowKey(owner, variantSortKey(videoID, variantID))
	var row variantRow
	found, err := s.getJSON(key, &row)
	if err != nil {
		return models.Variant{}, err
	}
	if !found {
		return models.Variant{}, variantNotFound(videoID, variantID)
	}
	v := row.variant()
	if !patch.Matches(v) {
		return models.Variant{}, variantChanged(videoID, variantID)
	}

	patch.Apply(&v, s.now().UTC())
	if err := s.setJSON(key, toRow(v)); err != nil {
		return models.Variant{}, err
	}
	return v, nil
}

func (s *PebbleStore) PatchVideo(ctx context.Context, owner, videoID string, patch models.VideoPatch) (models.Video, error) {
	if patch.Empty() {
		return models.Video{}, apperr.New(apperr.BadRequest, "no attributes to update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := rowKey(owner, metaSortKey(videoID))
	var v models.Video
	found, err := s.getJSON(key, &v)
	if err != nil {
		return models.Video{}, err
	}
	if !found {
		return models.Video{}, notFound(videoID)
	}

	patch.Apply(&v)
	if err := s.setJSON(key, v); err != nil {
		return models.Video{}, err
	}
	return v, nil
}

// scanPrefix calls fn for every key/value under prefix. Slices passed to
// fn are only valid for the duration of the call.
func (s *PebbleStore) scanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to create iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "iteration error")
	}
	return nil
}

func (s *PebbleStore) QueryVideo(ctx context.Context, owner, videoID string) (models.Video, []models.Variant, error) {
	var (
		video    models.Video
		hasMeta  bool
		variants []models.Variant
	)
	prefix := rowKey(owner, videoSortPrefix(videoID))
	err := s.scanPrefix(prefix, func(key, value []byte) error {
		if isVariantSortKey(sortKeyOf(key)) {
			v, err := decodeVariant(value)
			if err != nil {
				return apperr.Wrap(apperr.Internal, err, "corrupt variant row %s", key)
			}
			variants = append(variants, v)
			return nil
		}
		if err := json.Unmarshal(value, &video); err != nil {
			return apperr.Wrap(apperr.Internal, err, "corrupt video row %s", key)
		}
		hasMeta = true
		return nil
	})
	if err != nil {
		return models.Video{}, nil, err
	}
	if !hasMeta {
		return models.Video{}, nil, notFound(videoID)
	}
	return video, variants, nil
}

func (s *PebbleStore) LookupOwner(ctx context.Context, videoID string) (string, error) {
	data, closer, err := s.db.Get(pointerKey(videoID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", notFound(videoID)
		}
		return "", apperr.Wrap(apperr.Internal, err, "owner lookup failed")
	}
	defer closer.Close()
	return string(data), nil
}

func (s *PebbleStore) ListVideos(ctx context.Context, q ListQuery) (Page, error) {
	if err := q.validate(); err != nil {
		return Page{}, err
	}
	c, err := decodeCursor(q.Cursor, q)
	if err != nil {
		return Page{}, err
	}

	prefix := allIdxPrefix
	if !q.AllOwners {
		prefix = ownerIdxPrefix + escapeOwner(q.Owner) + "/"
	}
	if c != nil && !strings.HasPrefix(c.Key, prefix) {
		return Page{}, apperr.New(apperr.BadRequest, "cursor does not match this query")
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return Page{}, apperr.Wrap(apperr.Internal, err, "failed to create iterator")
	}
	defer iter.Close()

	var valid bool
	switch {
	case c == nil && !q.Descending:
		valid = iter.First()
	case c == nil:
		valid = iter.Last()
	case !q.Descending:
		valid = iter.SeekGE(append([]byte(c.Key), 0))
	default:
		valid = iter.SeekLT([]byte(c.Key))
	}

	// One row past the limit tells us whether another page exists.
	limit := q.limit()
	var keys []string
	for valid && len(keys) <= limit {
		keys = append(keys, string(iter.Key()))
		if q.Descending {
			valid = iter.Prev()
		} else {
			valid = iter.Next()
		}
	}
	if err := iter.Error(); err != nil {
		return Page{}, apperr.Wrap(apperr.Internal, err, "iteration error")
	}

	more := len(keys) > limit
	if more {
		keys = keys[:limit]
	}

	page := Page{Videos: make([]models.Video, 0, len(keys))}
	for _, k := range keys {
		owner, videoID, err := parseIndexKey(k, q.AllOwners)
		if err != nil {
			return Page{}, err
		}
		var v models.Video
		found, err := s.getJSON(rowKey(owner, metaSortKey(videoID)), &v)
		if err != nil {
			return Page{}, err
		}
		if found {
			page.Videos = append(page.Videos, v)
		}
	}
	if more {
		page.NextCursor = encodeCursor(cursor{Scope: q.scope(), Descending: q.Descending, Key: keys[len(keys)-1]})
	}
	return page, nil
}

func parseIndexKey(key string, all bool) (owner, videoID string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 {
		return "", "", apperr.New(apperr.Internal, "malformed index key %q", key)
	}
	escaped := parts[2]
	if all {
		escaped = parts[3]
	}
	owner, err = url.PathUnescape(escaped)
	if err != nil {
		return "", "", apperr.Wrap(apperr.Internal, err, "malformed index key %q", key)
	}
	return owner, parts[4], nil
}

func (s *PebbleStore) DeleteVideo(ctx context.Context, owner, videoID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rows  [][]byte
		video models.Video
		meta  bool
	)
	prefix := rowKey(owner, videoSortPrefix(videoID))
	err := s.scanPrefix(prefix, func(key, value []byte) error {
		rows = append(rows, append([]byte(nil), key...))
		if sortKeyOf(key) == metaSortKey(videoID) {
			meta = json.Unmarshal(value, &video) == nil
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, notFound(videoID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, key := range rows {
		b.Delete(key, nil)
	}
	if meta {
		b.Delete(ownerIndexKey(video), nil)
		b.Delete(allIndexKey(video), nil)
	}
	b.Delete(pointerKey(videoID), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to delete video %s", videoID)
	}
	return len(rows), nil
}

func (s *PebbleStore) ScanVariants(ctx context.Context, fn func(owner string, v models.Variant) error) error {
	return s.scanPrefix([]byte(rowPrefix), func(key, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rest := strings.TrimPrefix(string(key), rowPrefix)
		escaped, sortKey, ok := strings.Cut(rest, "/")
		if !ok || !isVariantSortKey(sortKey) {
			return nil
		}
		owner, err := url.PathUnescape(escaped)
		if err != nil {
			return nil
		}
		v, err := decodeVariant(value)
		if err != nil {
			return nil
		}
		return fn(owner, v)
	})
}
