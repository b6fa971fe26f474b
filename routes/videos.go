package routes

import (
	"net/http"
	"strconv"

	"vidpipe/apperr"
	"vidpipe/models"
	"vidpipe/transcode"
	"vidpipe/upload"
	"vidpipe/videos"

	"github.com/gorilla/mux"
)

func (a *API) createUploadSession(w http.ResponseWriter, r *http.Request, id models.Identity) {
	var req upload.SessionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	session, err := a.deps.Uploads.CreateSession(r.Context(), id.Owner, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) completeUpload(w http.ResponseWriter, r *http.Request, id models.Identity) {
	var req upload.CompleteRequest
	if err := decodeJSON(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	video, err := a.deps.Uploads.Complete(r.Context(), id.Owner, req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (a *API) listVideos(w http.ResponseWriter, r *http.Request, id models.Identity) {
	q := r.URL.Query()
	opts := videos.ListOptions{
		Sort:   q.Get("sort"),
		Cursor: q.Get("cursor"),
		Owner:  q.Get("owner"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			a.writeError(w, r, apperr.New(apperr.BadRequest, "limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, r, apperr.New(apperr.BadRequest, "all must be a boolean"))
			return
		}
		opts.All = all
	}

	page, err := a.deps.Videos.List(r.Context(), id, opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) getVideo(w http.ResponseWriter, r *http.Request, id models.Identity) {
	detail, err := a.deps.Videos.Get(r.Context(), id, mux.Vars(r)["videoId"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) updateVideo(w http.ResponseWriter, r *http.Request, id models.Identity) {
	var patch models.VideoPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	video, err := a.deps.Videos.Update(r.Context(), id, mux.Vars(r)["videoId"], patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, video)
}

func (a *API) deleteVideo(w http.ResponseWriter, r *http.Request, id models.Identity) {
	res, err := a.deps.Videos.Delete(r.Context(), id, mux.Vars(r)["videoId"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) dispatchTranscode(w http.ResponseWriter, r *http.Request, id models.Identity) {
	var opts transcode.DispatchOptions
	if err := decodeJSON(r, &opts, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.deps.Dispatcher.Dispatch(r.Context(), id, mux.Vars(r)["videoId"], opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Enqueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
