package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"omniman/pkg/oerr"
)

// Request-shape codes surfaced by this layer, in the same envelope as the
// kernel taxonomy.
const (
	codeInvalidJSON    = "invalid_json"
	codeMissingChannel = "missing_channel_code"
	codeMissingOps     = "missing_ops"
)

// maxBodyBytes caps POST bodies. Carts are small; anything bigger is abuse.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders a kernel error as its envelope and anything else as an
// opaque 500. Not-found lookups map to 404, a live idempotency lock to 409,
// every other kernel error to 400.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *oerr.Error
	if errors.As(err, &e) {
		writeJSON(w, statusFor(e), errorBody{Code: e.Code, Message: e.Message, Context: e.Context})
		return
	}
	s.logger.Error("request failed",
		"error", err,
		"path", r.URL.Path,
		"request_id", requestIDFrom(r.Context()))
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal error"})
}

func statusFor(e *oerr.Error) int {
	switch e.Code {
	case oerr.CodeNotFound, oerr.CodeChannelNotFound, oerr.CodeSessionNotFound, oerr.CodeOrderNotFound:
		return http.StatusNotFound
	}
	if e.Kind == oerr.KindIdempotency && e.Code == oerr.CodeInProgress {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return oerr.Validation(codeInvalidJSON, "request body is not valid JSON").
			With("error", err.Error())
	}
	return nil
}

// queryInt reads a non-negative integer query parameter, 0 when absent or
// malformed.
func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
