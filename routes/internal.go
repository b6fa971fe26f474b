package routes

import (
	"net/http"

	"vidpipe/apperr"
	"vidpipe/auth"
	"vidpipe/logger"
	"vidpipe/models"
	"vidpipe/transcode"
)

type jobStatusResponse struct {
	Applied bool           `json:"applied"`
	Variant models.Variant `json:"variant"`
}

// jobStatus is the worker report ingress. It sits outside the owner
// policy and is guarded by the shared job token instead.
func (a *API) jobStatus(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("Job status report: remoteAddr=%s", r.RemoteAddr)

	if !auth.JobTokenValid(r, transcode.JobTokenHeader, a.cfg.JobToken) {
		logger.Warnf("Rejected job status report from %s: bad token", r.RemoteAddr)
		a.writeError(w, r, apperr.New(apperr.Forbidden, "invalid job token"))
		return
	}

	var u models.JobStatusUpdate
	if err := decodeJSON(r, &u, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	v, applied, err := a.deps.Videos.ApplyJobStatus(r.Context(), u)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{Applied: applied, Variant: v})
}
