// Package config loads and validates the environment-derived KME
// configuration: a plain struct of fields, a Load that reads os.Getenv
// with defaults, and a Validate that aggregates every violation with
// errors.Join instead of failing fast on the first one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting. Fields are immutable
// after Load.
type Config struct {
	KMEID         string
	Host          string
	Port          string
	AttachedSAEID string
	OtherKMEs     []string // parsed from OTHER_KMES, trimmed, empties dropped

	DefaultKeySize int // bytes
	MinKeySize     int // bytes
	MaxKeySize     int // bytes

	MaxKeyCount       int
	MaxKeysPerRequest int

	KeyGenInterval  time.Duration
	KeyGenBatchSize int
	AcquireTimeout  time.Duration
	RefillThreshold int

	NetworkTimeout time.Duration
	ScanInterval   time.Duration

	UseHTTPS bool
	KMECert  string
	KMEKey   string

	MongoURI string
	MongoDB  string

	BulkRetention      time.Duration
	BulkRetentionSweep time.Duration
	PoolSnapshotPath   string

	// PoolRole and PrimaryKMEURL select the pool client backend:
	// "primary" (default) means this instance owns and runs its own
	// pool; "secondary" means it delegates every pool read to the KME at
	// PrimaryKMEURL instead of generating locally: for a horizontally
	// scaled deployment where several kmed replicas front the same
	// ATTACHED_SAE_ID and only one of them should actually generate keys.
	PoolRole      string
	PrimaryKMEURL string
}

// Load reads configuration from the process environment, applying defaults
// suitable for a local two-KME simulator deployment.
func Load() (*Config, error) {
	cfg := &Config{
		KMEID:         getenv("KME_ID", "1"),
		Host:          getenv("HOST", "0.0.0.0"),
		Port:          getenv("PORT", "8080"),
		AttachedSAEID: getenv("ATTACHED_SAE_ID", ""),
		OtherKMEs:     splitList(getenv("OTHER_KMES", "")),

		DefaultKeySize: getenvInt("DEFAULT_KEY_SIZE", 32),
		MinKeySize:     getenvInt("MIN_KEY_SIZE", 32),
		MaxKeySize:     getenvInt("MAX_KEY_SIZE", 1024),

		MaxKeyCount:       getenvInt("MAX_KEY_COUNT", 1000),
		MaxKeysPerRequest: getenvInt("MAX_KEYS_PER_REQUEST", 128),

		KeyGenInterval:  getenvSeconds("KEY_GEN_SEC_TO_GEN", 1),
		KeyGenBatchSize: getenvInt("KEY_GEN_BATCH_SIZE", 100),
		AcquireTimeout:  getenvSeconds("KEY_ACQUIRE_TIMEOUT", 5),
		RefillThreshold: getenvInt("REFILL_THRESHOLD", 500),

		NetworkTimeout: getenvSeconds("NETWORK_TIMEOUT", 5),
		ScanInterval:   getenvSeconds("SCAN_INTERVAL", 30),

		UseHTTPS: strings.EqualFold(getenv("USE_HTTPS", "false"), "true"),
		KMECert:  getenv("KME_CERT", ""),
		KMEKey:   getenv("KME_KEY", ""),

		MongoURI: getenv("MONGODB_URI", ""),
		MongoDB:  getenv("MONGODB_DATABASE", "qumail_kme"),

		BulkRetention:      getenvHours("BULK_RETENTION", 7*24),
		BulkRetentionSweep: getenvHours("BULK_RETENTION_SWEEP", 1),
		PoolSnapshotPath:   getenv("POOL_SNAPSHOT_PATH", "pool_keys.json"),

		PoolRole:      strings.ToLower(getenv("POOL_ROLE", "primary")),
		PrimaryKMEURL: getenv("PRIMARY_KME_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every field invariant and reports all violations at once.
func (c *Config) Validate() error {
	var errs []error

	if c.AttachedSAEID == "" {
		errs = append(errs, errors.New("ATTACHED_SAE_ID must not be empty"))
	}
	if c.DefaultKeySize <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_KEY_SIZE must be > 0, got %d", c.DefaultKeySize))
	}
	if c.MinKeySize <= 0 || c.MinKeySize > c.MaxKeySize {
		errs = append(errs, fmt.Errorf("MIN_KEY_SIZE must be in (0, MAX_KEY_SIZE], got %d (max %d)", c.MinKeySize, c.MaxKeySize))
	}
	if c.MaxKeyCount < 0 {
		errs = append(errs, fmt.Errorf("MAX_KEY_COUNT must be >= 0, got %d", c.MaxKeyCount))
	}
	if c.MaxKeysPerRequest <= 0 {
		errs = append(errs, fmt.Errorf("MAX_KEYS_PER_REQUEST must be > 0, got %d", c.MaxKeysPerRequest))
	}
	if c.KeyGenInterval <= 0 {
		errs = append(errs, fmt.Errorf("KEY_GEN_SEC_TO_GEN must be > 0, got %s", c.KeyGenInterval))
	}
	if c.KeyGenBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("KEY_GEN_BATCH_SIZE must be > 0, got %d", c.KeyGenBatchSize))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KEY_ACQUIRE_TIMEOUT must be > 0, got %s", c.AcquireTimeout))
	}
	if c.NetworkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("NETWORK_TIMEOUT must be > 0, got %s", c.NetworkTimeout))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCAN_INTERVAL must be > 0, got %s", c.ScanInterval))
	}
	if c.UseHTTPS {
		if c.KMECert == "" || c.KMEKey == "" {
			errs = append(errs, errors.New("KME_CERT and KME_KEY must both be set when USE_HTTPS=true"))
		}
	}
	if c.PoolSnapshotPath == "" {
		errs = append(errs, errors.New("POOL_SNAPSHOT_PATH must not be empty"))
	}
	if c.PoolRole != "primary" && c.PoolRole != "secondary" {
		errs = append(errs, fmt.Errorf("POOL_ROLE must be \"primary\" or \"secondary\", got %q", c.PoolRole))
	}
	if c.PoolRole == "secondary" && c.PrimaryKMEURL == "" {
		errs = append(errs, errors.New("PRIMARY_KME_URL must be set when POOL_ROLE=secondary"))
	}

	return errors.Join(errs...)
}

// DefaultKeySizeBits is DEFAULT_KEY_SIZE expressed in bits, the unit every
// ETSI-facing field uses; key sizes are stored in bytes internally.
func (c *Config) DefaultKeySizeBits() int { return c.DefaultKeySize * 8 }
func (c *Config) MinKeySizeBits() int     { return c.MinKeySize * 8 }
func (c *Config) MaxKeySizeBits() int     { return c.MaxKeySize * 8 }

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(key string, defSeconds float64) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return time.Duration(defSeconds * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defSeconds * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func getenvHours(key string, defHours float64) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return time.Duration(defHours * float64(time.Hour))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Duration(defHours * float64(time.Hour))
	}
	return time.Duration(f * float64(time.Hour))
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
