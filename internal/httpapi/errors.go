package httpapi

import (
	"encoding/json"
	"net/http"

	"promptd/internal/coordinator"
	"promptd/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps coordinator errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case coordinator.IsTooBusy(err):
		return http.StatusTooManyRequests
	case coordinator.IsNotReady(err):
		return http.StatusServiceUnavailable
	case coordinator.IsReleased(err):
		return http.StatusConflict
	case coordinator.IsInvalidArgument(err), coordinator.IsInvalidConfig(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
