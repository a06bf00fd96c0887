// Package session implements capability delegation: an authority lends
// its standing to a short-lived stand-in signer via a stored token.
//
// The package is independent of the retrospective domain. Any program
// that can name a required principal and the identities that signed an
// operation can use Authorize to accept either a direct signature or a
// valid delegated one.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/retroboard/internal/keys"
	"github.com/roach88/retroboard/internal/wire"
)

// Validity bounds. Requests above the maximum are clamped, never
// rejected; an absent request gets the default.
const (
	DefaultValidity = time.Hour
	MaxValidity     = 7 * 24 * time.Hour
)

const kindSessionToken uint8 = 9

var seedSessionToken = []byte("session_token")

// Validation failures. The consumer maps these onto its own error
// taxonomy.
var (
	ErrExpired        = errors.New("session: token expired")
	ErrWrongProgram   = errors.New("session: token scoped to another program")
	ErrWrongSigner    = errors.New("session: signer is not the token's stand-in")
	ErrWrongAuthority = errors.New("session: token authority does not match required identity")
)

// Token is a stored delegation: Authority has authorized SessionSigner
// to act on its behalf toward TargetProgram until ValidUntil.
//
// Tokens are never expired by deletion; ValidUntil is re-checked on
// every use. Early destruction happens only through explicit
// revocation by the authority.
type Token struct {
	Authority     keys.Identity
	TargetProgram keys.Identity
	SessionSigner keys.Identity
	ValidUntil    int64
	Bump          uint8
}

// Marshal encodes the token in record layout.
func (t *Token) Marshal() []byte {
	var e wire.Encoder
	e.U8(kindSessionToken)
	e.Bytes32(t.Authority)
	e.Bytes32(t.TargetProgram)
	e.Bytes32(t.SessionSigner)
	e.I64(t.ValidUntil)
	e.U8(t.Bump)
	return e.Bytes()
}

// Unmarshal decodes a token record.
func Unmarshal(data []byte) (*Token, error) {
	d := wire.NewDecoder(data)
	if kind := d.U8(); d.Err() == nil && kind != kindSessionToken {
		return nil, fmt.Errorf("session: record kind %d, expected %d", kind, kindSessionToken)
	}
	t := &Token{
		Authority:     d.Bytes32(),
		TargetProgram: d.Bytes32(),
		SessionSigner: d.Bytes32(),
		ValidUntil:    d.I64(),
		Bump:          d.U8(),
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return t, nil
}

// TokenAddress derives the token's record address. One token can exist
// per (program, signer, authority) triple at a time.
func TokenAddress(program, targetProgram, sessionSigner, authority keys.Identity) (keys.Address, uint8, error) {
	return keys.Derive(program, seedSessionToken, targetProgram.Bytes(), sessionSigner.Bytes(), authority.Bytes())
}

// Address recomputes the token's record address from its own fields
// and stored bump. Consumers compare it against the address a token
// was actually loaded from.
func (t *Token) Address(program keys.Identity) keys.Address {
	return keys.DeriveWithBump(program, t.Bump,
		seedSessionToken, t.TargetProgram.Bytes(), t.SessionSigner.Bytes(), t.Authority.Bytes())
}

// Validity resolves a requested validity in seconds to the effective
// duration: default when absent or non-positive, clamped at the
// maximum otherwise.
func Validity(requestedSeconds *int64) time.Duration {
	if requestedSeconds == nil || *requestedSeconds <= 0 {
		return DefaultValidity
	}
	d := time.Duration(*requestedSeconds) * time.Second
	if d > MaxValidity {
		return MaxValidity
	}
	return d
}

// Validate checks whether the token lets signer stand in for required
// toward program at the given instant.
//
// All four conditions must hold: the signer is the token's stand-in,
// the token's authority is the required identity, the token is scoped
// to this program, and now is strictly before the expiry. A use at
// exactly ValidUntil fails.
func (t *Token) Validate(program, signer, required keys.Identity, now time.Time) error {
	if signer != t.SessionSigner {
		return ErrWrongSigner
	}
	if t.Authority != required {
		return ErrWrongAuthority
	}
	if t.TargetProgram != program {
		return ErrWrongProgram
	}
	if now.Unix() >= t.ValidUntil {
		return ErrExpired
	}
	return nil
}

// Authorize reports whether any of signers may act as required: either
// one signed directly, or tok delegates one of them to required. With
// no token only a direct signature passes.
//
// The returned error is the most specific token failure observed, or
// ErrWrongSigner when no signer matched at all.
func Authorize(program keys.Identity, signers []keys.Identity, required keys.Identity, tok *Token, now time.Time) error {
	for _, s := range signers {
		if s == required {
			return nil
		}
	}
	if tok == nil {
		return ErrWrongSigner
	}

	var last error = ErrWrongSigner
	for _, s := range signers {
		err := tok.Validate(program, s, required, now)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWrongSigner) {
			last = err
		}
	}
	return last
}
