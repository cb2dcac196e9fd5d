package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ATTACHED_SAE_ID", "A")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KMEID != "1" {
		t.Errorf("expected default KME_ID %q, got %q", "1", cfg.KMEID)
	}
	if cfg.DefaultKeySize != 32 {
		t.Errorf("expected default DEFAULT_KEY_SIZE 32, got %d", cfg.DefaultKeySize)
	}
	if cfg.MaxKeyCount != 1000 {
		t.Errorf("expected default MAX_KEY_COUNT 1000, got %d", cfg.MaxKeyCount)
	}
	if cfg.PoolRole != "primary" {
		t.Errorf("expected default POOL_ROLE primary, got %q", cfg.PoolRole)
	}
	if cfg.MongoDB != "qumail_kme" {
		t.Errorf("expected default MONGODB_DATABASE qumail_kme, got %q", cfg.MongoDB)
	}
}

func TestLoadRejectsEmptyAttachedSAEID(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected an error when ATTACHED_SAE_ID is unset")
	}
}

func TestLoadParsesOtherKMEsList(t *testing.T) {
	t.Setenv("ATTACHED_SAE_ID", "A")
	t.Setenv("OTHER_KMES", " https://kme-2:8443 , ,https://kme-3:8443")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://kme-2:8443", "https://kme-3:8443"}
	if len(cfg.OtherKMEs) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.OtherKMEs)
	}
	for i := range want {
		if cfg.OtherKMEs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.OtherKMEs)
		}
	}
}

func TestValidateAggregatesAllViolations(t *testing.T) {
	cfg := &Config{
		MinKeySize:        0,
		MaxKeySize:        0,
		MaxKeysPerRequest: 0,
		KeyGenInterval:    0,
		AcquireTimeout:    0,
		NetworkTimeout:    0,
		ScanInterval:      0,
		PoolSnapshotPath:  "",
		PoolRole:          "primary",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	// errors.Join's Error() joins every wrapped message with a newline;
	// a handful of distinct violations should all be present.
	msg := err.Error()
	for _, want := range []string{"ATTACHED_SAE_ID", "DEFAULT_KEY_SIZE", "MIN_KEY_SIZE", "MAX_KEYS_PER_REQUEST", "POOL_SNAPSHOT_PATH"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected aggregated error to mention %q, got: %s", want, msg)
		}
	}
}

func TestValidateSecondaryPoolRoleRequiresPrimaryURL(t *testing.T) {
	cfg := &Config{
		AttachedSAEID:     "A",
		DefaultKeySize:    32,
		MinKeySize:        32,
		MaxKeySize:        1024,
		MaxKeysPerRequest: 1,
		KeyGenInterval:    1,
		KeyGenBatchSize:   1,
		AcquireTimeout:    1,
		NetworkTimeout:    1,
		ScanInterval:      1,
		PoolSnapshotPath:  "pool_keys.json",
		PoolRole:          "secondary",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when POOL_ROLE=secondary and PRIMARY_KME_URL is unset")
	}

	cfg.PrimaryKMEURL = "https://kme-1:8443"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once PRIMARY_KME_URL is set: %v", err)
	}
}

func TestBitConversionHelpers(t *testing.T) {
	cfg := &Config{DefaultKeySize: 32, MinKeySize: 16, MaxKeySize: 1024}
	if got := cfg.DefaultKeySizeBits(); got != 256 {
		t.Errorf("expected 256 bits, got %d", got)
	}
	if got := cfg.MinKeySizeBits(); got != 128 {
		t.Errorf("expected 128 bits, got %d", got)
	}
	if got := cfg.MaxKeySizeBits(); got != 8192 {
		t.Errorf("expected 8192 bits, got %d", got)
	}
}
