package httpapi

import (
	"net/http"
	"strings"

	"github.com/qkd-kme/kme-sim/internal/delivery"
	"github.com/qkd-kme/kme-sim/internal/security"
)

// registerExternal wires the ETSI QKD-014 delivery surface. Every route
// first runs the caller-identity gate.
func (h *handlers) registerExternal(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/keys/{slave_sae_id}/status", h.gated(h.getStatus))
	mux.HandleFunc("GET /api/v1/keys/{slave_sae_id}/enc_keys", h.gated(h.encKeys))
	mux.HandleFunc("POST /api/v1/keys/{slave_sae_id}/enc_keys", h.gated(h.encKeys))
	mux.HandleFunc("GET /api/v1/keys/{master_sae_id}/dec_keys", h.gated(h.decKeys))
	mux.HandleFunc("POST /api/v1/keys/{master_sae_id}/dec_keys", h.gated(h.decKeys))
	mux.HandleFunc("POST /api/v1/keys/mark_consumed", h.gated(h.markConsumed))
}

// gated wraps next with the EnsureValidCaller check.
func (h *handlers) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := security.EnsureValidCaller(r, h.deps.Config.UseHTTPS, h.deps.Config.AttachedSAEID); err != nil {
			writeErr(w, err)
			return
		}
		next(w, r)
	}
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	slaveSAEID := r.PathValue("slave_sae_id")
	result, err := h.deps.Delivery.Status(slaveSAEID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type encKeysRequest struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

func (h *handlers) encKeys(w http.ResponseWriter, r *http.Request) {
	slaveSAEID := r.PathValue("slave_sae_id")

	number := 1
	size := h.deps.Config.DefaultKeySizeBits()
	if r.Method == http.MethodPost {
		var req encKeysRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		if req.Number > 0 {
			number = req.Number
		}
		if req.Size > 0 {
			size = req.Size
		}
	}

	result, err := h.deps.Delivery.EncKeys(r.Context(), slaveSAEID, number, size)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type decKeysRequest struct {
	KeyIDs []struct {
		KeyID string `json:"key_ID"`
	} `json:"key_IDs"`
}

func (h *handlers) decKeys(w http.ResponseWriter, r *http.Request) {
	masterSAEID := r.PathValue("master_sae_id")

	var requestedIDs []string
	if r.Method == http.MethodPost {
		var req decKeysRequest
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, err)
			return
		}
		for _, k := range req.KeyIDs {
			requestedIDs = append(requestedIDs, k.KeyID)
		}
	} else {
		for _, param := range r.URL.Query()["key_ID"] {
			requestedIDs = append(requestedIDs, strings.Split(param, ",")...)
		}
	}

	// An empty requestedIDs list is passed through: a GET with no key_ID
	// params means "every key stored for this pair", and delivery answers
	// 404 when nothing matches.
	id := security.ResolveSlaveIdentity(r, h.deps.Config.UseHTTPS)
	identity := delivery.ResolvedSlaveIdentity{SAEID: id.SAEID, Resolved: id.Resolved}

	result, err := h.deps.Delivery.DecKeys(r.Context(), masterSAEID, identity, requestedIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if result.PartialContent {
		status = http.StatusPartialContent
		writeJSON(w, status, struct {
			Message string `json:"message"`
			Keys    any    `json:"keys"`
		}{Message: "Some keys missing.", Keys: result.Keys})
		return
	}
	writeJSON(w, status, result)
}

type markConsumedRequest struct {
	KeyID string `json:"key_id"`
}

func (h *handlers) markConsumed(w http.ResponseWriter, r *http.Request) {
	var req markConsumedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.deps.Delivery.MarkConsumed(r.Context(), req.KeyID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		KeyID   string `json:"key_id"`
	}{Message: "Key consumed", KeyID: req.KeyID})
}
