package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"

	"github.com/google/uuid"
)

// LocalStore keeps objects on the local filesystem and hands out
// HMAC-signed URLs that its Handler serves. It backs single-host
// deployments and the end-to-end tests.
type LocalStore struct {
	baseDir string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal creates the directory layout under baseDir. Signed URLs point
// at baseURL + "/objects/". An empty secret gets a random one, which
// makes handles valid only for the life of the process.
func NewLocal(baseDir, baseURL string, secret []byte) (*LocalStore, error) {
	for _, dir := range []string{"blobs", "uploads"} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return apperr.New(apperr.BadRequest, "invalid object key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return apperr.New(apperr.BadRequest, "invalid object key %q", key)
		}
	}
	return nil
}

func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.baseDir, "blobs", filepath.FromSlash(key))
}

func (s *LocalStore) sessionDir(sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", apperr.New(apperr.BadRequest, "unknown upload session")
	}
	return filepath.Join(s.baseDir, "uploads", sessionID), nil
}

func partFile(dir string, n int32) string {
	return filepath.Join(dir, fmt.Sprintf("%05d.part", n))
}

// writeFile streams r into path through a temp file in the same
// directory and returns the MD5 of what was written.
func writeFile(path string, r io.Reader, sum hash.Hash) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	w := io.Writer(tmp)
	if sum != nil {
		w = io.MultiWriter(tmp, sum)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

func (s *LocalStore) PutDirect(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := writeFile(s.objectPath(key), body, nil); err != nil {
		return apperr.Upstream(err, "failed to write object %s", key)
	}
	logger.Debugf("Stored object '%s' (%s)", key, contentType)
	return nil
}

func (s *LocalStore) SignedWriteHandle(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.signedURL(opPut, key, "", 0, ttl), nil
}

func (s *LocalStore) BeginChunkedUpload(ctx context.Context, key, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir := filepath.Join(s.baseDir, "uploads", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Upstream(err, "failed to start upload session")
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0o644); err != nil {
		return "", apperr.Upstream(err, "failed to start upload session")
	}
	return id, nil
}

// openSession checks that sessionID exists and was started for key.
func (s *LocalStore) openSession(key, sessionID string) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	owner, err := os.ReadFile(filepath.Join(dir, "key"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.New(apperr.BadRequest, "unknown upload session")
		}
		return "", apperr.Upstream(err, "failed to read upload session")
	}
	if string(owner) != key {
		return "", apperr.New(apperr.BadRequest, "upload session belongs to another key")
	}
	return dir, nil
}

func (s *LocalStore) SignedPartWriteHandle(ctx context.Context, key, sessionID string, partNumber int32, ttl time.Duration) (string, error) {
	if partNumber < 1 {
		return "", apperr.New(apperr.BadRequest, "part numbers start at 1")
	}
	if _, err := s.openSession(key, sessionID); err != nil {
		return "", err
	}
	return s.signedURL(opPart, key, sessionID, partNumber, ttl), nil
}

func (s *LocalStore) FinalizeChunkedUpload(ctx context.Context, key, sessionID string, parts []CompletedPart) error {
	dir, err := s.openSession(key, sessionID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return apperr.New(apperr.BadRequest, "no parts to finalize")
	}

	pr, pw := io.Pipe()
	go func() {
		for i, p := range parts {
			if i > 0 && p.PartNumber <= parts[i-1].PartNumber {
				pw.CloseWithError(apperr.New(apperr.BadRequest, "parts must be in ascending order"))
				return
			}
			if err := appendPart(pw, partFile(dir, p.PartNumber), p); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	if _, err := writeFile(s.objectPath(key), pr, nil); err != nil {
		pr.CloseWithError(err)
		return apperr.Upstream(err, "failed to assemble object %s", key)
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warnf("Failed to remove upload session %s: %v", sessionID, err)
	}
	return nil
}

// appendPart copies one part into w and checks it against the ETag the
// client reported.
func appendPart(w io.Writer, path string, p CompletedPart) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.BadRequest, "part %d was not uploaded", p.PartNumber)
		}
		return err
	}
	defer f.Close()

	sum := md5.New()
	if _, err := io.Copy(io.MultiWriter(w, sum), f); err != nil {
		return err
	}
	if hex.EncodeToString(sum.Sum(nil)) != strings.Trim(p.ETag, `"`) {
		return apperr.New(apperr.BadRequest, "part %d does not match its ETag", p.PartNumber)
	}
	return nil
}

func (s *LocalStore) AbortChunkedUpload(ctx context.Context, key, sessionID string) error {
	dir, err := s.openSession(key, sessionID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *LocalStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := validKey(key); err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{Key: key}, nil
		}
		return ObjectInfo{}, apperr.Upstream(err, "failed to stat %s", key)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), Exists: true, LastModified: fi.ModTime()}, nil
}

func (s *LocalStore) SignedReadHandle(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.signedURL(opGet, key, "", 0, ttl), nil
}

func (s *LocalStore) Download(ctx context.Context, key, localPath string) error {
	if err := validKey(key); err != nil {
		return err
	}
	src, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.NotFound, "object %s not found", key)
		}
		return apperr.Upstream(err, "failed to open %s", key)
	}
	defer src.Close()

	if _, err := writeFile(localPath, src, nil); err != nil {
		return apperr.Upstream(err, "failed to download %s", key)
	}
	return nil
}

func (s *LocalStore) Upload(ctx context.Context, localPath, key, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return s.PutDirect(ctx, key, f, -1, contentType)
}

func (s *LocalStore) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	root := filepath.Join(s.baseDir, "blobs")
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(ObjectInfo{Key: key, Size: fi.Size(), Exists: true, LastModified: fi.ModTime()})
	})
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return apperr.Upstream(err, "failed to delete %s", key)
	}
	return nil
}

const (
	opPut  = "put"
	opPart = "part"
	opGet  = "get"
)

func (s *LocalStore) signature(op, key, session string, part int32, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d\n%d", op, key, session, part, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *LocalStore) signedURL(op, key, session string, part int32, ttl time.Duration) string {
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("op", op)
	q.Set("exp", strconv.FormatInt(exp, 10))
	if session != "" {
		q.Set("upload", session)
		q.Set("part", strconv.Itoa(int(part)))
	}
	q.Set("sig", s.signature(op, key, session, part, exp))

	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/objects/" + strings.Join(segs, "/") + "?" + q.Encode()
}
