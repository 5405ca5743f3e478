package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// httpError sends a JSON error response. The clientMsg is returned to the
// caller; internalDetails are logged server-side only.
func httpError(w http.ResponseWriter, status int, clientMsg string, internalDetails ...string) {
	if len(internalDetails) > 0 {
		log.Error().
			Int("status", status).
			Str("clientMsg", clientMsg).
			Strs("internalDetails", internalDetails).
			Msg("HTTP error with internal details")
	}
	respondJSON(w, status, map[string]string{"error": clientMsg})
}

type validationResponse struct {
	Error   string                  `json:"error"`
	Details []generation.FieldError `json:"details"`
}

func validationError(w http.ResponseWriter, fields []generation.FieldError) {
	respondJSON(w, http.StatusBadRequest, validationResponse{
		Error:   "Validation failed",
		Details: fields,
	})
}
