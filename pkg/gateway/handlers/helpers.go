package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/soullab/maia-voice/pkg/core"
	"github.com/soullab/maia-voice/pkg/gateway/apierror"
	"github.com/soullab/maia-voice/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeJSON(w, status, apierror.Envelope{Error: coreErr})
}

// decodeJSON strictly decodes a request body into dst. Unknown fields and
// trailing garbage are rejected.
func decodeJSON(r *http.Request, maxBytes int64, dst any) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core.NewInvalidRequestError("malformed JSON body: " + err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return core.NewInvalidRequestError("unexpected data after JSON body")
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeJSON(w, http.StatusMethodNotAllowed, apierror.Envelope{Error: &core.Error{
		Type:      core.ErrInvalidRequest,
		Message:   "method not allowed",
		Code:      "method_not_allowed",
		RequestID: reqID,
	}})
	return false
}
