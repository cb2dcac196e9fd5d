package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// registerBulkPool wires the persistent bulk-pool surface. Unlike the ETSI
// delivery surface, these routes carry a `success` field in every successful
// response body; error responses carry only a `message`.
func (h *handlers) registerBulkPool(mux *http.ServeMux) {
	mux.HandleFunc("POST /qkd/keys/pool", h.requestKeyPool)
	mux.HandleFunc("GET /qkd/keys/pending", h.getPendingKeys)
	mux.HandleFunc("POST /qkd/keys/fetch", h.fetchKeys)
	mux.HandleFunc("GET /qkd/keys/pool/status", h.getPoolStatus)
}

type requestKeyPoolBody struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Count       int    `json:"count"`
	IncludeKeys *bool  `json:"includeKeys"`
}

func (h *handlers) requestKeyPool(w http.ResponseWriter, r *http.Request) {
	body := requestKeyPoolBody{Count: 1}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	includeKeys := true
	if body.IncludeKeys != nil {
		includeKeys = *body.IncludeKeys
	}

	result, err := h.deps.BulkPool.RequestPool(r.Context(), body.SenderID, body.ReceiverID, body.Count, includeKeys)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, withSuccess(result))
}

func (h *handlers) getPendingKeys(w http.ResponseWriter, r *http.Request) {
	receiverID := r.URL.Query().Get("receiverId")
	senderID := r.URL.Query().Get("senderId")
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if receiverID == "" {
		writeErr(w, kmeerr.NewValidation("Missing receiverId query parameter"))
		return
	}

	result, err := h.deps.BulkPool.GetPending(r.Context(), receiverID, senderID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withSuccess(result))
}

type fetchKeysBody struct {
	ReceiverID string   `json:"receiverId"`
	SenderID   string   `json:"senderId"`
	KeyIDs     []string `json:"keyIds"`
}

func (h *handlers) fetchKeys(w http.ResponseWriter, r *http.Request) {
	var body fetchKeysBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	result, err := h.deps.BulkPool.FetchKeys(r.Context(), body.ReceiverID, body.SenderID, body.KeyIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withSuccess(result))
}

func (h *handlers) getPoolStatus(w http.ResponseWriter, r *http.Request) {
	result := h.deps.BulkPool.Status(r.Context())
	writeJSON(w, http.StatusOK, withSuccess(result))
}

// withSuccess flattens a bulkpool response value and adds the `success:
// true` envelope field, producing a flat object carrying `success`
// alongside the result's own fields, e.g.
// {success, senderId, receiverId, count, keyIds, blockSizeBytes}.
func withSuccess(body any) map[string]any {
	out := map[string]any{"success": true}
	raw, err := json.Marshal(body)
	if err != nil {
		obslog.Logger().Error("failed to marshal bulk-pool response body", "error", err)
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		obslog.Logger().Error("failed to flatten bulk-pool response body", "error", err)
	}
	out["success"] = true
	return out
}
