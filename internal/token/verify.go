package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a signature over msg.
type Verifier interface {
	Verify(msg, sig []byte) error
}

// Keys is the set of trusted verification keys.
type Keys struct {
	ECDSA   []*ecdsa.PublicKey
	Ed25519 []ed25519.PublicKey
	// Weak keys verify EdDSA-weak tokens only.
	Weak          []ed25519.PublicKey
	MaxWeakWindow time.Duration
}

// Add trusts pub for regular tokens.
func (k *Keys) Add(pub crypto.PublicKey) error {
	if err := validatePublicKey(pub); err != nil {
		return err
	}
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		k.ECDSA = append(k.ECDSA, p)
	case ed25519.PublicKey:
		k.Ed25519 = append(k.Ed25519, p)
	}
	return nil
}

// AddWeak trusts pub for weak tokens.
func (k *Keys) AddWeak(pub crypto.PublicKey) error {
	p, ok := pub.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: weak key must be Ed25519, got %T", ErrUnsupported, pub)
	}
	if err := validatePublicKey(p); err != nil {
		return err
	}
	k.Weak = append(k.Weak, p)
	return nil
}

// Len returns the number of trusted keys of all kinds.
func (k *Keys) Len() int {
	if k == nil {
		return 0
	}
	return len(k.ECDSA) + len(k.Ed25519) + len(k.Weak)
}

func (k *Keys) verifier(alg Algorithm) (Verifier, error) {
	method, ok := methods[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, alg)
	}
	v := &methodVerifier{method: method}
	if k == nil {
		return v, nil
	}
	switch alg {
	case ES256:
		for _, key := range k.ECDSA {
			v.keys = append(v.keys, key)
		}
	case EdDSA:
		for _, key := range k.Ed25519 {
			v.keys = append(v.keys, key)
		}
	case EdDSAWeak:
		for _, key := range k.Weak {
			v.keys = append(v.keys, key)
		}
	}
	return v, nil
}

// methodVerifier tries every candidate key with one signing method.
type methodVerifier struct {
	method jwt.SigningMethod
	keys   []any
}

func (v *methodVerifier) Verify(msg, sig []byte) error {
	for _, key := range v.keys {
		if err := v.method.Verify(string(msg), sig, key); err == nil {
			return nil
		}
	}
	return ErrBadSignature
}
