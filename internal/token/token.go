// Package token implements bucket access tokens: signed, expiring
// capabilities carrying a subject, an audience and a policy scope.
//
// The wire form is a CBOR array [protected, payload, signature]. The
// protected header names the algorithm and signing key, the payload is
// the claims map with integer keys, and the signature covers the CBOR
// array ["Signature1", protected, aad, payload]. Encoding is
// deterministic, so a decoded token re-encodes to the same bytes.
package token

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ossbucket/ossbucket/internal/codec"
	"github.com/ossbucket/ossbucket/internal/errs"
)

// AAD is the external data bound into every bucket token signature.
const AAD = "ossbucket"

const sigContext = "Signature1"

// Algorithm tags the signature algorithm of a token.
type Algorithm string

// Supported algorithms.
const (
	ES256 Algorithm = "ES256"
	EdDSA Algorithm = "EdDSA"
	// EdDSAWeak marks low-assurance tokens signed with a separate
	// Ed25519 key set and a short, caller-chosen validity window.
	EdDSAWeak Algorithm = "EdDSA-weak"
)

// Errors returned by Decode and Verify.
var (
	ErrMalformed        = fmt.Errorf("%w: malformed token", errs.ErrUnauthenticated)
	ErrUnsupported      = fmt.Errorf("%w: unsupported token algorithm", errs.ErrNotSupported)
	ErrBadSignature     = fmt.Errorf("%w: token signature verification failed", errs.ErrUnauthenticated)
	ErrExpired          = fmt.Errorf("%w: token expired", errs.ErrUnauthenticated)
	ErrNotYetValid      = fmt.Errorf("%w: token not yet valid", errs.ErrUnauthenticated)
	ErrWindowTooLong    = fmt.Errorf("%w: weak token window too long", errs.ErrUnauthenticated)
	ErrAudienceMismatch = fmt.Errorf("%w: token audience does not match", errs.ErrPermissionDenied)
)

// Token is the claims set of an access token. Times are unix seconds.
type Token struct {
	Issuer    string `cbor:"1,keyasint,omitempty"`
	Subject   string `cbor:"2,keyasint,omitempty"`
	Audience  string `cbor:"3,keyasint,omitempty"`
	ExpiresAt int64  `cbor:"4,keyasint,omitempty"`
	NotBefore int64  `cbor:"5,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"6,keyasint,omitempty"`
	ID        string `cbor:"7,keyasint,omitempty"`
	Scope     string `cbor:"9,keyasint,omitempty"`
}

// New returns a token valid from now for ttl, with a fresh id.
func New(subject, audience, scope string, now time.Time, ttl time.Duration) Token {
	return Token{
		Subject:   subject,
		Audience:  audience,
		Scope:     scope,
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		ID:        uuid.NewString(),
	}
}

// Header is the protected header.
type Header struct {
	Alg   Algorithm `cbor:"1,keyasint"`
	KeyID string    `cbor:"4,keyasint,omitempty"`
}

type envelope struct {
	_         struct{} `cbor:",toarray"`
	Protected []byte
	Payload   []byte
	Signature []byte
}

// Signed is a decoded but not yet verified token.
type Signed struct {
	Header    Header
	Claims    Token
	protected []byte
	payload   []byte
	signature []byte
}

// Bytes re-encodes the envelope.
func (s *Signed) Bytes() ([]byte, error) {
	return codec.Marshal(envelope{Protected: s.protected, Payload: s.payload, Signature: s.signature})
}

func (s *Signed) signingInput() ([]byte, error) {
	return signingInput(s.protected, s.payload)
}

func signingInput(protected, payload []byte) ([]byte, error) {
	return codec.Marshal([]any{sigContext, protected, []byte(AAD), payload})
}

// Sign encodes t and signs it with s.
func Sign(s Signer, t Token) ([]byte, error) {
	protected, err := codec.Marshal(Header{Alg: s.Algorithm(), KeyID: s.KeyID()})
	if err != nil {
		return nil, fmt.Errorf("encode token header: %w", err)
	}
	payload, err := codec.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode token claims: %w", err)
	}
	input, err := signingInput(protected, payload)
	if err != nil {
		return nil, fmt.Errorf("encode signing input: %w", err)
	}
	sig, err := s.Sign(input)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return codec.Marshal(envelope{Protected: protected, Payload: payload, Signature: sig})
}

// Decode parses the envelope and claims without checking the signature.
func Decode(data []byte) (*Signed, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s := &Signed{protected: env.Protected, payload: env.Payload, signature: env.Signature}
	if err := codec.Unmarshal(env.Protected, &s.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if err := codec.Unmarshal(env.Payload, &s.Claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}
	return s, nil
}

// Verify decodes data, checks its signature against keys, then checks
// the validity window and that the audience is audience.
func Verify(data []byte, keys *Keys, audience string, now time.Time) (*Token, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}
	v, err := keys.verifier(s.Header.Alg)
	if err != nil {
		return nil, err
	}
	input, err := s.signingInput()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.Verify(input, s.signature); err != nil {
		return nil, err
	}

	c := s.Claims
	if s.Header.Alg == EdDSAWeak {
		if err := checkWindow(c, keys.MaxWeakWindow); err != nil {
			return nil, err
		}
	}
	if c.ExpiresAt == 0 || now.Unix() >= c.ExpiresAt {
		return nil, ErrExpired
	}
	if now.Unix() < c.NotBefore {
		return nil, ErrNotYetValid
	}
	if c.Audience != audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, c.Audience, audience)
	}
	return &c, nil
}
