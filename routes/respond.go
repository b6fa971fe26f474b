package routes

import (
	"encoding/json"
	"io"
	"net/http"

	"vidpipe/apperr"
	"vidpipe/logger"
)

// maxBodyBytes caps JSON request bodies; no endpoint takes media bytes.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
	Stack   string      `json:"stack,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// writeError renders err in the error envelope. Stack detail is only
// included outside production.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debugf("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}

	body := errorBody{Code: kind, Message: apperr.MessageOf(err)}
	if !a.cfg.IsProduction() {
		body.Stack = apperr.Detail(err)
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeJSON(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF && allowEmpty {
			return nil
		}
		return apperr.Wrap(apperr.BadRequest, err, "invalid request body")
	}
	return nil
}
