// Package discovery runs a background scanner that periodically probes
// every configured peer's status endpoint and maintains a directory of
// which SAE is attached to which peer KME. Entries are upserted on a
// successful probe; a failed probe leaves the existing entry intact.
package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// Peer is a discovered peer KME's directory entry.
type Peer struct {
	KMEID string
	SAEID string
	URL   string
}

type statusResponse struct {
	KMEID         string `json:"KME_ID"`
	AttachedSAEID string `json:"ATTACHED_SAE_ID"`
}

// Scanner periodically probes PeerURLs' /api/v1/kme/status endpoint and
// maintains an in-memory directory keyed by KME_ID, queryable by SAE_ID via
// FindByAttachedSAE. Safe for concurrent use.
type Scanner struct {
	PeerURLs       []string
	HTTPClient     *http.Client
	NetworkTimeout time.Duration
	ScanInterval   time.Duration

	mu    sync.Mutex
	peers map[string]Peer // keyed by KME_ID
}

// NewScanner builds a Scanner. httpClient may be nil, in which case a
// default client is used.
func NewScanner(peerURLs []string, httpClient *http.Client, networkTimeout, scanInterval time.Duration) *Scanner {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Scanner{
		PeerURLs:       peerURLs,
		HTTPClient:     httpClient,
		NetworkTimeout: networkTimeout,
		ScanInterval:   scanInterval,
		peers:          make(map[string]Peer),
	}
}

// Run scans immediately, then on every ScanInterval tick, until ctx is
// canceled. Intended to be run as one of the process's supervised
// background goroutines.
func (s *Scanner) Run(ctx context.Context) {
	obslog.Logger().Info("scanner starting", "peers", len(s.PeerURLs), "interval", s.ScanInterval)
	s.scanOnce(ctx)

	ticker := time.NewTicker(s.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obslog.Logger().Info("scanner stopped")
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	for _, peerURL := range s.PeerURLs {
		if peerURL == "" {
			continue
		}
		s.probe(ctx, peerURL)
	}
}

func (s *Scanner) probe(ctx context.Context, peerURL string) {
	reqCtx, cancel := context.WithTimeout(ctx, s.NetworkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, peerURL+"/api/v1/kme/status", nil)
	if err != nil {
		obslog.Logger().Warn("scanner request build failed", "peer", peerURL, "error", err)
		return
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		obslog.Logger().Debug("scanner failed to contact peer", "peer", peerURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		obslog.Logger().Debug("scanner got non-200 from peer", "peer", peerURL, "status", resp.StatusCode)
		return
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		obslog.Logger().Warn("scanner failed to decode peer status", "peer", peerURL, "error", err)
		return
	}
	if status.KMEID == "" || status.AttachedSAEID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, known := s.peers[status.KMEID]
	if !known {
		obslog.Logger().Info("discovered peer KME", "kme_id", status.KMEID, "sae_id", status.AttachedSAEID)
	}
	existing.KMEID = status.KMEID
	existing.SAEID = status.AttachedSAEID
	existing.URL = peerURL
	s.peers[status.KMEID] = existing
}

// FindByAttachedSAE returns the discovered peer whose ATTACHED_SAE_ID
// matches saeID, if any.
func (s *Scanner) FindByAttachedSAE(saeID string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.SAEID == saeID {
			return p, true
		}
	}
	return Peer{}, false
}

// Peers returns a snapshot of every currently known peer.
func (s *Scanner) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
