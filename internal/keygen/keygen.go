// Package keygen produces fresh key material. Keys are generated with a
// cryptographically secure source (crypto/rand) and identified by a fresh
// UUID.
package keygen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Key is an immutable opaque record: a unique ID and base64-encoded random
// bytes. Once constructed, a Key's fields are never mutated.
type Key struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

// GenerationError reports RNG unavailability, the only way Generate fails.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("key generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// Generate produces a Key with sizeBytes of random key material. sizeBytes
// must be positive; callers are responsible for bounds-checking against the
// configured min/max key size before calling this.
func Generate(sizeBytes int) (Key, error) {
	buf := make([]byte, sizeBytes)
	if _, err := rand.Read(buf); err != nil {
		return Key{}, &GenerationError{Err: err}
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Key{}, &GenerationError{Err: err}
	}
	return Key{
		KeyID: id.String(),
		Key:   base64.StdEncoding.EncodeToString(buf),
	}, nil
}
