package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondOrchestrationError maps a classified *apierr.Error to its spec'd
// HTTP status and a stable error code, falling back to a generic 500 for
// anything unclassified (a driver/store error that escaped wrapping).
func RespondOrchestrationError(w http.ResponseWriter, logger *slog.Logger, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		telemetry.ErrorsTotal.WithLabelValues("unclassified").Inc()
		logger.Error("unclassified orchestration error", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}
	telemetry.ErrorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
	if apiErr.Err != nil {
		logger.Error("orchestration error", "kind", apiErr.Kind, "cause", apiErr.Err)
	}
	RespondError(w, apierr.StatusFor(apiErr.Kind), string(apiErr.Kind), apiErr.Message)
}
