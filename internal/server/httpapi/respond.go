package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/recordclient"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg, code string) recordclient.ErrorBody {
	return recordclient.ErrorBody{Error: msg, Code: code}
}

// writeError maps a service error to its status code. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error(), "invalid"))
	case errors.Is(err, errs.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized", "unauthorized"))
	case errors.Is(err, errs.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse("too many requests", "rate_limited"))
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse(err.Error(), "not_found"))
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error(), "conflict"))
	case errors.Is(err, errs.ErrTimingPolicy):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse(err.Error(), recordclient.CodeTimingPolicy))
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error", "internal"))
	}
}

// decode reads a JSON body of at most maxBody bytes. It writes the error
// response itself and reports whether decoding succeeded.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large", "invalid"))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid"))
		return false
	}
	return true
}
