package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ossbucket/ossbucket/internal/errs"
)

// Signer produces token signatures.
type Signer interface {
	Algorithm() Algorithm
	KeyID() string
	Sign(msg []byte) ([]byte, error)
}

// methods maps each algorithm onto the jwt signing method that
// implements it. Weak tokens use plain Ed25519 with their own key set.
var methods = map[Algorithm]jwt.SigningMethod{
	ES256:     jwt.SigningMethodES256,
	EdDSA:     jwt.SigningMethodEdDSA,
	EdDSAWeak: jwt.SigningMethodEdDSA,
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	alg    Algorithm
	method jwt.SigningMethod
	key    crypto.Signer
	kid    string
}

// NewSigner returns a signer for an ECDSA P-256 or Ed25519 private key.
func NewSigner(key crypto.Signer) (*KeySigner, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: ECDSA curve %s", errs.ErrNotSupported, k.Curve.Params().Name)
		}
		return newKeySigner(ES256, key)
	case ed25519.PrivateKey:
		return newKeySigner(EdDSA, key)
	default:
		return nil, fmt.Errorf("%w: signing key type %T", errs.ErrNotSupported, key)
	}
}

// NewWeakSigner returns a signer for weak tokens.
func NewWeakSigner(key ed25519.PrivateKey) (*KeySigner, error) {
	return newKeySigner(EdDSAWeak, key)
}

func newKeySigner(alg Algorithm, key crypto.Signer) (*KeySigner, error) {
	kid, err := Fingerprint(key.Public())
	if err != nil {
		return nil, err
	}
	return &KeySigner{alg: alg, method: methods[alg], key: key, kid: kid}, nil
}

func (s *KeySigner) Algorithm() Algorithm { return s.alg }

func (s *KeySigner) KeyID() string { return s.kid }

// Public returns the verification key.
func (s *KeySigner) Public() crypto.PublicKey { return s.key.Public() }

func (s *KeySigner) Sign(msg []byte) ([]byte, error) {
	return s.method.Sign(string(msg), s.key)
}
