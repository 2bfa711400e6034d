// Package signature implements the Ed25519 verification scheme used by
// the webhook transport.
//
// The platform and the bot share no key material beyond the bot secret:
// both sides derive the same Ed25519 seed by repeating the secret until
// it fills 32 bytes. Inbound callbacks are verified against the derived
// public key; the one-time endpoint validation handshake is answered by
// signing the challenge with the derived private key.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Header names carried on every signed webhook request.
const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

// DefaultMaxSkew is the accepted age of a signed timestamp. Requests
// outside the window are rejected even with a valid signature.
const DefaultMaxSkew = 5 * time.Minute

var (
	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrStaleTimestamp is returned for timestamps outside the skew window.
	ErrStaleTimestamp = errors.New("signature timestamp outside accepted window")
)

// Verifier verifies inbound webhook signatures and answers the endpoint
// validation handshake. Stateless and safe for concurrent use.
type Verifier struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	maxSkew time.Duration
	now     func() time.Time
}

// New derives the Ed25519 keypair from the bot secret. maxSkew <= 0
// selects DefaultMaxSkew.
func New(secret string, maxSkew time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("signature secret is required")
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	priv := ed25519.NewKeyFromSeed(deriveSeed(secret))
	return &Verifier{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		maxSkew: maxSkew,
		now:     time.Now,
	}, nil
}

// deriveSeed repeats the secret until it fills the 32-byte seed. This
// matches the platform's key derivation exactly; changing it breaks
// interoperability.
func deriveSeed(secret string) []byte {
	seed := secret
	for len(seed) < ed25519.SeedSize {
		seed += secret
	}
	return []byte(seed[:ed25519.SeedSize])
}

// Verify checks sigHex over timestamp+body. The timestamp is the raw
// header value (unix seconds). Returns ErrStaleTimestamp before
// touching the signature so replayed requests are cheap to reject, and
// ErrBadSignature on any verification failure.
func (v *Verifier) Verify(body []byte, sigHex, timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: non-numeric timestamp %q", ErrStaleTimestamp, timestamp)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age > v.maxSkew || age < -v.maxSkew {
		return ErrStaleTimestamp
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}

	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)

	// ed25519.Verify is constant-time with respect to the signature.
	if !ed25519.Verify(v.pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// SignChallenge answers the endpoint validation handshake: the hex
// signature over eventTS+plainToken, returned verbatim to the platform.
func (v *Verifier) SignChallenge(eventTS, plainToken string) string {
	return hex.EncodeToString(ed25519.Sign(v.priv, []byte(eventTS+plainToken)))
}

// Sign produces the hex signature over timestamp+body with the derived
// key. Used by tests to build requests the verifier accepts.
func (v *Verifier) Sign(body []byte, timestamp string) string {
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return hex.EncodeToString(ed25519.Sign(v.priv, msg))
}
