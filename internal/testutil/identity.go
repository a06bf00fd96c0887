package testutil

import (
	"crypto/sha256"

	"github.com/roach88/retroboard/internal/keys"
)

// NamedIdentity derives a stable identity from a human-readable label.
//
// The same label always yields the same identity, so scenarios can say
// "alice" and "bob" and produce byte-identical records and golden
// traces across runs.
func NamedIdentity(name string) keys.Identity {
	return sha256.Sum256([]byte("retroboard/test-identity/" + name))
}
