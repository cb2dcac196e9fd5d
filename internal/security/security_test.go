package security

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"
)

func requestWithCN(cn string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if cn == "" {
		return r
	}
	r.TLS = &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{
			{Subject: pkix.Name{CommonName: cn}},
		},
	}
	return r
}

func TestEnsureValidCallerHTTPModeAlwaysPasses(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := EnsureValidCaller(r, false, "A"); err != nil {
		t.Fatalf("expected HTTP mode to always pass, got %v", err)
	}
}

func TestEnsureValidCallerHTTPSRequiresCertificate(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if err := EnsureValidCaller(r, true, "A"); err == nil {
		t.Fatal("expected an error when no client certificate is presented over HTTPS")
	}
}

func TestEnsureValidCallerHTTPSMismatchIsNotFatal(t *testing.T) {
	r := requestWithCN("peer-B")
	if err := EnsureValidCaller(r, true, "A"); err != nil {
		t.Fatalf("expected a CN mismatch to be logged, not rejected, got %v", err)
	}
}

func TestResolveSlaveIdentityHTTPSUsesCertCN(t *testing.T) {
	r := requestWithCN("B")
	id := ResolveSlaveIdentity(r, true)
	if !id.Resolved || id.SAEID != "B" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveSlaveIdentityHTTPSWithNoCertIsUnresolved(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id := ResolveSlaveIdentity(r, true)
	if id.Resolved {
		t.Fatalf("expected unresolved identity, got %+v", id)
	}
}

func TestResolveSlaveIdentityHTTPUsesHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-SAE-ID", "B")
	id := ResolveSlaveIdentity(r, false)
	if !id.Resolved || id.SAEID != "B" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveSlaveIdentityHTTPWithNoHeaderIsUnresolved(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id := ResolveSlaveIdentity(r, false)
	if id.Resolved {
		t.Fatalf("expected unresolved identity when no header is present, got %+v", id)
	}
}
