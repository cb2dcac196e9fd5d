// Package security is the per-request caller-identity check gating every
// delivery entry point. The TLS stack already exposes peer-certificate
// parsing via *http.Request.TLS, so only the validation policy lives here.
package security

import (
	"net/http"

	"github.com/qkd-kme/kme-sim/internal/kmeerr"
	"github.com/qkd-kme/kme-sim/internal/obslog"
)

// EnsureValidCaller gates every delivery entry point (status, enc_keys,
// dec_keys, mark_consumed). In HTTPS mode it requires a client certificate
// to be present at all, returning an AuthError if not; a CommonName that
// doesn't match attachedSAEID is logged but not rejected, since legitimate
// cross-KME calls present the peer's own identity rather than this node's.
// In HTTP mode no certificate exists to check, so this is a no-op,
// simulator-only behavior for local development and testing.
func EnsureValidCaller(r *http.Request, useHTTPS bool, attachedSAEID string) error {
	if !useHTTPS {
		return nil
	}
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		obslog.Logger().Warn("no client certificate provided")
		return kmeerr.NewAuth("client certificate required")
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn != attachedSAEID {
		obslog.Logger().Info("certificate CN mismatch", "common_name", cn, "expected", attachedSAEID)
	}
	return nil
}

// Identity is a caller's resolved SAE identity.
type Identity struct {
	SAEID    string
	Resolved bool
}

// ResolveSlaveIdentity determines the calling slave SAE's identity for
// dec_keys: the client certificate's CommonName in HTTPS mode, or the
// X-SAE-ID header in HTTP mode. An unresolved identity is reported as such
// (Resolved=false) rather than guessed at, so the caller can reject it
// explicitly.
func ResolveSlaveIdentity(r *http.Request, useHTTPS bool) Identity {
	if useHTTPS {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			return Identity{}
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		return Identity{SAEID: cn, Resolved: cn != ""}
	}

	saeID := r.Header.Get("X-SAE-ID")
	if saeID == "" {
		return Identity{}
	}
	return Identity{SAEID: saeID, Resolved: true}
}
