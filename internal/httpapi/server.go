// Package httpapi is the HTTP adapter layer: it wires the ETSI delivery
// surface, the peer-replication surface, and the bulk-pool surface onto a
// net/http.ServeMux, translating between wire JSON and the typed service
// calls underneath. No business logic lives here.
package httpapi

import (
	"net/http"
	"time"

	"github.com/qkd-kme/kme-sim/internal/bulkpool"
	"github.com/qkd-kme/kme-sim/internal/config"
	"github.com/qkd-kme/kme-sim/internal/delivery"
	"github.com/qkd-kme/kme-sim/internal/discovery"
	"github.com/qkd-kme/kme-sim/internal/keystore"
	"github.com/qkd-kme/kme-sim/internal/pool"
)

// Deps bundles every component the HTTP layer routes onto.
type Deps struct {
	Config    *config.Config
	Delivery  *delivery.Service
	Scanner   *discovery.Scanner
	Pool      *pool.Pool
	KeyStore  *keystore.Store
	BulkPool  *bulkpool.Service
}

// NewServer builds an *http.Server with all three route surfaces wired up,
// ready to be started by the process supervisor.
func NewServer(deps Deps) *http.Server {
	mux := http.NewServeMux()

	h := &handlers{deps: deps}
	h.registerExternal(mux)
	h.registerInternal(mux)
	h.registerBulkPool(mux)

	return &http.Server{
		Addr:              deps.Config.Host + ":" + deps.Config.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type handlers struct {
	deps Deps
}
