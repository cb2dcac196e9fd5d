package httpapi

import (
	"net/http"
	"time"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/pool"
)

// internalGetKeysTimeout bounds how long get_shared_key blocks waiting for
// the pool to refill when the caller doesn't supply its own timeout_sec.
const internalGetKeysTimeout = 10 * time.Second

// registerInternal wires the peer-replication surface: the status endpoint
// peer scanners probe, the two delegation endpoints a secondary KME's pool
// client calls, and the two endpoints a peer's broadcaster posts exchange
// and removal events to.
func (h *handlers) registerInternal(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/kme/status", h.kmeStatus)
	mux.HandleFunc("GET /api/v1/kme/key-pool", h.keyPool)
	mux.HandleFunc("POST /api/v1/internal/get_shared_key", h.getSharedKey)
	mux.HandleFunc("POST /api/v1/internal/get_reserved_key", h.getReservedKey)
	mux.HandleFunc("POST /api/v1/kme/keys/exchange", h.kmeKeyExchange)
	mux.HandleFunc("POST /api/v1/kme/keys/remove", h.kmeKeyRemove)
}

type kmeStatusResponse struct {
	KMEID         string    `json:"KME_ID"`
	AttachedSAEID string    `json:"ATTACHED_SAE_ID"`
	PoolStatus    poolBlock `json:"pool_status"`
}

type poolBlock struct {
	PoolSize       int    `json:"pool_size"`
	Reserved       int    `json:"reserved"`
	Capacity       int    `json:"capacity"`
	TotalGenerated uint64 `json:"total_generated"`
	TotalRetrieved uint64 `json:"total_retrieved"`
}

func toPoolBlock(st pool.Status) poolBlock {
	return poolBlock{
		PoolSize:       st.PoolSize,
		Reserved:       st.Reserved,
		Capacity:       st.Capacity,
		TotalGenerated: st.TotalGenerated,
		TotalRetrieved: st.TotalRetrieved,
	}
}

func (h *handlers) kmeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, kmeStatusResponse{
		KMEID:         h.deps.Config.KMEID,
		AttachedSAEID: h.deps.Config.AttachedSAEID,
		PoolStatus:    toPoolBlock(h.deps.Pool.Status()),
	})
}

func (h *handlers) keyPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toPoolBlock(h.deps.Pool.Status()))
}

// getSharedKeyRequest's field names follow poolclient.Secondary's wire
// format (requester_id/timeout_sec); the kme_id field is accepted as a
// fallback for callers that still speak the older shape.
type getSharedKeyRequest struct {
	KMEID       string  `json:"kme_id"`
	RequesterID string  `json:"requester_id"`
	Count       int     `json:"count"`
	TimeoutSec  float64 `json:"timeout_sec"`
}

type getSharedKeyResponse struct {
	Keys []keygen.Key `json:"keys"`
}

func (h *handlers) getSharedKey(w http.ResponseWriter, r *http.Request) {
	var req getSharedKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	requesterID := req.RequesterID
	if requesterID == "" {
		requesterID = req.KMEID
	}
	if requesterID == "" {
		requesterID = "2"
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	timeout := internalGetKeysTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec * float64(time.Second))
	}

	keys := h.deps.Pool.GetKeys(r.Context(), count, requesterID, timeout)
	writeJSON(w, http.StatusOK, getSharedKeyResponse{Keys: keys})
}

type getReservedKeyRequest struct {
	KeyID       string `json:"key_ID"`
	KMEID       string `json:"kme_id"`
	RequesterID string `json:"requester_id"`
	Remove      *bool  `json:"remove"`
}

type getReservedKeyResponse struct {
	Key   *keygen.Key `json:"key,omitempty"`
	Found bool        `json:"found"`
}

func (h *handlers) getReservedKey(w http.ResponseWriter, r *http.Request) {
	var req getReservedKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.KeyID == "" {
		writeErr(w, kmeerr.NewValidation("Missing key_id"))
		return
	}
	requesterID := req.RequesterID
	if requesterID == "" {
		requesterID = req.KMEID
	}
	if requesterID == "" {
		requesterID = "2"
	}
	remove := true
	if req.Remove != nil {
		remove = *req.Remove
	}

	key, found := h.deps.Pool.GetKeyByID(req.KeyID, requesterID, remove)
	if !found {
		writeJSON(w, http.StatusOK, getReservedKeyResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, getReservedKeyResponse{Key: &key, Found: true})
}

type kmeExchangeRequest struct {
	MasterSAEID string       `json:"master_sae_id"`
	SlaveSAEID  string       `json:"slave_sae_id"`
	Keys        []keygen.Key `json:"keys"`
}

func (h *handlers) kmeKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req kmeExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.deps.KeyStore.AppendKeys(req.MasterSAEID, req.SlaveSAEID, req.Keys, false)
	writeMessage(w, http.StatusOK, "Keys have been added to the local key store.")
}

func (h *handlers) kmeKeyRemove(w http.ResponseWriter, r *http.Request) {
	var req kmeExchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	h.deps.KeyStore.RemoveKeys(req.MasterSAEID, req.SlaveSAEID, req.Keys, false)
	writeMessage(w, http.StatusOK, "Keys have been removed from the local key store.")
}
