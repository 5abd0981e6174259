package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rivet-studio/loom/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLoomError maps structured error codes onto HTTP statuses.
func writeLoomError(w http.ResponseWriter, err error) {
	var lmErr *schema.LoomError
	if !errors.As(err, &lmErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch lmErr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected,
		schema.ErrCodeIncompatibleHandle, schema.ErrCodeMissingRequiredInput,
		schema.ErrCodeCircularReference:
		status = http.StatusUnprocessableEntity
	case schema.ErrCodeCancelled:
		status = http.StatusGone
	}
	writeJSON(w, status, lmErr)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
