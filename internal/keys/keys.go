// Package keys defines the 32-byte identities and record addresses used
// throughout the ledger, and the deterministic derivation of key-less
// record addresses from seed lists.
package keys

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Identity is a 32-byte public identity: a signer, a program, or any
// principal the ledger can attribute an action to.
type Identity [32]byte

// String returns the identity as lowercase hex.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the identity as a byte slice, suitable for use as an
// address-derivation seed.
func (id Identity) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the identity is the all-zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// ParseIdentity parses a 64-character hex string into an Identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse identity: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parse identity: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Address is a 32-byte record address on the ledger.
//
// Addresses either correspond to an identity (key-bearing) or are
// derived from seeds via Derive (key-less). The two spaces are kept
// disjoint by the off-curve check in Derive.
type Address [32]byte

// String returns the address as lowercase hex.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the address as a byte slice, suitable for use as an
// address-derivation seed.
func (a Address) Bytes() []byte {
	return a[:]
}

// ParseAddress parses a 64-character hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("parse address: expected %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Equal reports whether two addresses are the same.
func (a Address) Equal(b Address) bool {
	return bytes.Equal(a[:], b[:])
}
