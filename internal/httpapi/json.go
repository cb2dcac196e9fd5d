package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.Logger().Error("failed to encode response body", "error", err)
	}
}

type messageBody struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageBody{Message: message})
}

// writeErr maps a typed error to its HTTP status and a safe message, never
// leaking internal details across the wire.
func writeErr(w http.ResponseWriter, err error) {
	writeMessage(w, kmeerr.StatusCode(err), kmeerr.SafeMessage(err))
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return kmeerr.NewValidation("Invalid data format.")
	}
	return nil
}
