package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"filippo.io/edwards25519"
)

// domainDerived is the domain prefix for derived record addresses.
// The version suffix enables future algorithm migration.
const domainDerived = "retroboard/derived/v1"

// ErrNoBump is returned when no disambiguation byte yields an address
// outside the key-bearing space. With 256 candidates the probability is
// negligible; the error exists so callers never see a silent collision.
var ErrNoBump = errors.New("keys: no valid disambiguation byte for seeds")

// Derive computes the deterministic, key-less record address for an
// ordered list of seeds under the given program identity.
//
// The address is SHA-256 over the domain prefix, a null separator, the
// seeds in order, a candidate disambiguation byte, and the program
// identity. Disambiguation bytes are tried from 255 downward; the first
// candidate that is not a valid ed25519 point wins, which keeps derived
// addresses disjoint from key-bearing ones. The winning byte is
// returned so records can store it and later re-derivation can verify
// it in a single hash.
//
// Same seeds always yield the same (address, bump); changing any seed
// component, including integer byte order, yields an unrelated address.
func Derive(program Identity, seeds ...[]byte) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		candidate := deriveWithBump(program, seeds, uint8(bump))
		if !onCurve(candidate) {
			return candidate, uint8(bump), nil
		}
	}
	return Address{}, 0, ErrNoBump
}

// DeriveWithBump recomputes the address for a known disambiguation
// byte. Used to verify a stored (seeds, bump) pair against the address
// a record actually lives at.
func DeriveWithBump(program Identity, bump uint8, seeds ...[]byte) Address {
	return deriveWithBump(program, seeds, bump)
}

func deriveWithBump(program Identity, seeds [][]byte, bump uint8) Address {
	h := sha256.New()
	h.Write([]byte(domainDerived))
	h.Write([]byte{0x00}) // null separator prevents domain/seed boundary ambiguity
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(program[:])

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// onCurve reports whether the 32 bytes decode to a valid ed25519 point,
// i.e. whether the address could correspond to a signing key.
func onCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

// U64Seed encodes an integer as a fixed-width little-endian seed.
func U64Seed(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
