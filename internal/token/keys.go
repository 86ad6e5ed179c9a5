package token

import (
	"bufio"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/edwards25519"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// GenerateKey creates a new private key for alg.
func GenerateKey(alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case ES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ECDSA key: %w", err)
		}
		return key, nil
	case EdDSA, EdDSAWeak:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate Ed25519 key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, alg)
	}
}

// WriteKeyPair saves key in OpenSSH format to privPath and its public
// half as an authorized_keys line to privPath.pub.
func WriteKeyPair(privPath string, key crypto.Signer) error {
	pemBlock, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubLine, err := MarshalPublicKey(key.Public())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", []byte(pubLine+"\n"), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads an OpenSSH private key file holding an Ed25519
// or ECDSA P-256 key.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if block, _ := pem.Decode(data); block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: ECDSA curve %s", ErrUnsupported, k.Curve.Params().Name)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("%w: private key type %T", ErrUnsupported, key)
	}
}

// MarshalPublicKey renders pub as an authorized_keys line.
func MarshalPublicKey(pub crypto.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("create SSH public key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))), nil
}

// ParsePublicKey parses one authorized_keys line.
func ParsePublicKey(line string) (crypto.PublicKey, error) {
	sshPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cpk, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key type %s", ErrUnsupported, sshPub.Type())
	}
	pub := cpk.CryptoPublicKey()
	if err := validatePublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// LoadPublicKeys reads an authorized_keys style file. Blank lines and
// comments are skipped; unusable keys are logged and skipped.
func LoadPublicKeys(path string) ([]crypto.PublicKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var keys []crypto.PublicKey
	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pub, err := ParsePublicKey(line)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Int("line", n).Msg("skipping trusted key")
			continue
		}
		keys = append(keys, pub)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return keys, nil
}

// Fingerprint returns the SHA256 fingerprint used as a token key id.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("create SSH public key: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

func validatePublicKey(pub crypto.PublicKey) error {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		if len(p) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid Ed25519 public key size %d", len(p))
		}
		// Reject encodings that are not points on the curve.
		if _, err := new(edwards25519.Point).SetBytes(p); err != nil {
			return fmt.Errorf("invalid Ed25519 public key: %w", err)
		}
		return nil
	case *ecdsa.PublicKey:
		if p.Curve != elliptic.P256() {
			return fmt.Errorf("%w: ECDSA curve %s", ErrUnsupported, p.Curve.Params().Name)
		}
		return nil
	default:
		return fmt.Errorf("%w: public key type %T", ErrUnsupported, pub)
	}
}
