package crypto

import (
	"crypto/ed25519"
	"errors"
)

var ErrPublicKeySize = errors.New("ed25519 public key must be 32 bytes")

// Ed25519Signer signs module frames.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewSigner from a 32-byte seed; nil seed generates a fresh key.
func NewSigner(seed []byte) (*Ed25519Signer, error) {
	if seed == nil {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		return &Ed25519Signer{key: priv}, nil
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("ed25519 seed must be 32 bytes")
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

// Seed for persistence.
func (s *Ed25519Signer) Seed() []byte { return s.key.Seed() }

// Public verifier for this signer.
func (s *Ed25519Signer) Public() *Ed25519Verifier {
	return &Ed25519Verifier{key: s.key.Public().(ed25519.PublicKey)}
}

// Ed25519Verifier checks module frame signatures.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier from a raw 32-byte public key.
func NewVerifier(pub []byte) (*Ed25519Verifier, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrPublicKeySize
	}
	return &Ed25519Verifier{key: ed25519.PublicKey(append([]byte(nil), pub...))}, nil
}

func (v *Ed25519Verifier) Verify(msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(v.key, msg, sig)
}

func (v *Ed25519Verifier) SignatureSize() int { return ed25519.SignatureSize }

// Bytes raw public key.
func (v *Ed25519Verifier) Bytes() []byte { return []byte(v.key) }
