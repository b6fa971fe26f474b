package objectstore

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"vidpipe/logger"
)

// Handler serves the signed URLs issued by the store. Mount it under
// /objects/.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("Object request: method=%s, path=%s, remoteAddr=%s", r.Method, r.URL.Path, r.RemoteAddr)

		key := strings.TrimPrefix(r.URL.Path, "/objects/")
		q := r.URL.Query()
		op := q.Get("op")

		switch {
		case r.Method == http.MethodPut && (op == opPut || op == opPart):
		case (r.Method == http.MethodGet || r.Method == http.MethodHead) && op == opGet:
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !s.verify(op, key, q.Get("upload"), q.Get("part"), q.Get("exp"), q.Get("sig")) {
			logger.Warnf("Rejected object request for '%s': bad or expired signature", key)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		switch op {
		case opGet:
			s.serveObject(w, r, key)
		case opPut:
			sum := md5.New()
			if _, err := writeFile(s.objectPath(key), r.Body, sum); err != nil {
				logger.Errorf("Failed to store object '%s': %v", key, err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("ETag", `"`+hex.EncodeToString(sum.Sum(nil))+`"`)
			w.WriteHeader(http.StatusOK)
		case opPart:
			n, _ := strconv.Atoi(q.Get("part"))
			dir, err := s.openSession(key, q.Get("upload"))
			if err != nil {
				http.Error(w, "Unknown upload session", http.StatusNotFound)
				return
			}
			sum := md5.New()
			if _, err := writeFile(partFile(dir, int32(n)), r.Body, sum); err != nil {
				logger.Errorf("Failed to store part %d of '%s': %v", n, key, err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			w.Header().Set("ETag", `"`+hex.EncodeToString(sum.Sum(nil))+`"`)
			w.WriteHeader(http.StatusOK)
		}
	})
}

func (s *LocalStore) verify(op, key, session, part, exp, sig string) bool {
	if validKey(key) != nil {
		return false
	}
	expiry, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || s.now().Unix() > expiry {
		return false
	}
	var n int64
	if op == opPart {
		n, err = strconv.ParseInt(part, 10, 32)
		if err != nil || n < 1 {
			return false
		}
	}
	want := s.signature(op, key, session, int32(n), expiry)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *LocalStore) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentTypeFor(strings.TrimPrefix(path.Ext(key), ".")))
	http.ServeContent(w, r, path.Base(key), fi.ModTime(), f)
}
