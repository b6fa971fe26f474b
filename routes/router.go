// Package routes is the HTTP transport of the API process.
package routes

import (
	"net/http"

	"vidpipe/apperr"
	"vidpipe/auth"
	"vidpipe/config"
	"vidpipe/logger"
	"vidpipe/metrics"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/transcode"
	"vidpipe/upload"
	"vidpipe/videos"

	"github.com/gorilla/mux"
)

// Deps are the services behind the API. LocalObjects is set only when the
// local object backend is in use, so its signed URLs can be served.
type Deps struct {
	Policy       auth.Policy
	Uploads      *upload.Coordinator
	Videos       *videos.Service
	Dispatcher   *transcode.Dispatcher
	LocalObjects *objectstore.LocalStore
	Checks       map[string]func() error
}

type API struct {
	cfg  config.Config
	deps Deps
}

// NewRouter mounts every endpoint under /api/v1.
func NewRouter(cfg config.Config, deps Deps) http.Handler {
	a := &API{cfg: cfg, deps: deps}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/videos/upload-url", a.withIdentity(a.createUploadSession)).Methods(http.MethodPost)
	api.HandleFunc("/videos/complete-upload", a.withIdentity(a.completeUpload)).Methods(http.MethodPost)
	api.HandleFunc("/videos", a.withIdentity(a.listVideos)).Methods(http.MethodGet)
	api.HandleFunc("/videos/{videoId}", a.withIdentity(a.getVideo)).Methods(http.MethodGet)
	api.HandleFunc("/videos/{videoId}", a.withIdentity(a.updateVideo)).Methods(http.MethodPut)
	api.HandleFunc("/videos/{videoId}", a.withIdentity(a.deleteVideo)).Methods(http.MethodDelete)
	api.HandleFunc("/videos/{videoId}/transcode", a.withIdentity(a.dispatchTranscode)).Methods(http.MethodPost)
	api.HandleFunc("/internal/job-status", a.jobStatus).Methods(http.MethodPost)

	api.HandleFunc("/health", a.health).Methods(http.MethodGet)
	api.HandleFunc("/version", VersionHandler).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	if deps.LocalObjects != nil {
		r.PathPrefix("/objects/").Handler(deps.LocalObjects.Handler())
	}

	// Subrouters match on their own and do not inherit this handler.
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return r
}

// methodNotAllowed answers in the error envelope. Unknown paths keep
// mux's plain 404 so workers can tell a wrong address from a deleted
// video.
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	logger.Warnf("Invalid method %s for %s", r.Method, r.URL.Path)
	writeJSON(w, http.StatusMethodNotAllowed, errorEnvelope{Error: errorBody{
		Code:    apperr.BadRequest,
		Message: "method " + r.Method + " not allowed for " + r.URL.Path,
	}})
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id models.Identity)

// withIdentity resolves the caller before the handler runs.
func (a *API) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("Request: method=%s, path=%s, remoteAddr=%s", r.Method, r.URL.Path, r.RemoteAddr)
		id, err := a.deps.Policy.Resolve(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next(w, r, id)
	}
}
