// Package broadcast fans key exchange and removal events out to every
// configured peer KME, best-effort: per-peer failures are logged and
// swallowed, never propagated. The fan-out is bounded with errgroup's
// SetLimit so a KME with a long peer list doesn't open one goroutine and
// one TLS handshake per peer simultaneously.
package broadcast

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qkd-kme/kme-sim/internal/keygen"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// maxConcurrentSends bounds how many peer POSTs are in flight at once.
const maxConcurrentSends = 8

// exchangePayload is the JSON body posted to /api/v1/kme/keys/exchange and
// /api/v1/kme/keys/remove.
type exchangePayload struct {
	MasterSAEID string       `json:"master_sae_id"`
	SlaveSAEID  string       `json:"slave_sae_id"`
	Keys        []keygen.Key `json:"keys"`
}

// Broadcaster POSTs key exchange/removal events to every peer in Peers. A
// failure to reach one peer never blocks or fails the others, and never
// propagates to the caller: the originating KME has already committed the
// change locally before broadcasting it.
type Broadcaster struct {
	Peers          []string // base URLs, e.g. "https://kme-2.example:8443"
	HTTPClient     *http.Client
	NetworkTimeout time.Duration
}

// NewBroadcaster builds a Broadcaster. If useHTTPS and certFile/keyFile are
// both set, the HTTP client presents a client certificate on every peer
// connection.
func NewBroadcaster(peers []string, networkTimeout time.Duration, useHTTPS bool, certFile, keyFile string) (*Broadcaster, error) {
	client := &http.Client{Timeout: networkTimeout}

	if useHTTPS && certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load broadcaster client certificate: %w", err)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				// Peer KMEs in this simulator use self-signed certs not
				// rooted in a public CA.
				InsecureSkipVerify: true,
			},
		}
	} else if useHTTPS {
		obslog.Logger().Warn("broadcaster running HTTPS without a client certificate; proceeding unauthenticated")
	}

	return &Broadcaster{Peers: peers, HTTPClient: client, NetworkTimeout: networkTimeout}, nil
}

// SendKeys fans out a key-exchange event to every peer.
func (b *Broadcaster) SendKeys(masterSAEID, slaveSAEID string, keys []keygen.Key) {
	b.broadcast("/api/v1/kme/keys/exchange", exchangePayload{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID, Keys: keys})
}

// RemoveKeys fans out a key-removal event to every peer.
func (b *Broadcaster) RemoveKeys(masterSAEID, slaveSAEID string, keys []keygen.Key) {
	b.broadcast("/api/v1/kme/keys/remove", exchangePayload{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID, Keys: keys})
}

func (b *Broadcaster) broadcast(path string, payload exchangePayload) {
	if len(b.Peers) == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		obslog.Logger().Error("broadcast payload marshal failed", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, peer := range b.Peers {
		peer := peer
		g.Go(func() error {
			b.sendOne(peer, path, body)
			return nil
		})
	}
	_ = g.Wait() // sendOne never returns an error; every failure is logged in place
}

func (b *Broadcaster) sendOne(peer, path string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.NetworkTimeout)
	defer cancel()

	url := peer + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		obslog.Logger().Warn("broadcast request build failed", "peer", peer, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		obslog.Logger().Warn("broadcast failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	obslog.Logger().Debug("broadcast sent", "url", url, "status", resp.StatusCode)
}
