// Package crypto: handshake key transport (ML-KEM-768 + ChaCha20-Poly1305) and module signing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SymmetricKeySize per-peer HMAC key (32 bytes).
	SymmetricKeySize = 32
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
)

var ErrKeySize = errors.New("key size must be 32")
var ErrShortCiphertext = errors.New("ciphertext too short")

var wrapInfo = []byte("peerrpc handshake key wrap")

// KeyPair ML-KEM-768 decapsulation key + its public encapsulation key (1184 bytes).
type KeyPair struct {
	Public []byte
	decap  *mlkem768.DecapsulationKey
}

// GenerateKeyPair new ML-KEM-768 pair.
func GenerateKeyPair() (*KeyPair, error) {
	decap, err := mlkem768.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: decap.EncapsulationKey(), decap: decap}, nil
}

// Wrap encrypts key to peerPublic: KEM ciphertext || Seal(hkdf(shared), key).
func Wrap(peerPublic []byte, key []byte) ([]byte, error) {
	ct, shared, err := mlkem768.Encapsulate(peerPublic)
	if err != nil {
		return nil, err
	}
	aeadKey, err := derive(shared)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(aeadKey, nil, key)
	if err != nil {
		return nil, err
	}
	return append(ct, sealed...), nil
}

// Unwrap recovers the key sealed by Wrap.
func (k *KeyPair) Unwrap(blob []byte) ([]byte, error) {
	if len(blob) < mlkem768.CiphertextSize {
		return nil, ErrShortCiphertext
	}
	shared, err := mlkem768.Decapsulate(k.decap, blob[:mlkem768.CiphertextSize])
	if err != nil {
		return nil, err
	}
	aeadKey, err := derive(shared)
	if err != nil {
		return nil, err
	}
	return Open(aeadKey, blob[mlkem768.CiphertextSize:])
}

func derive(shared []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, wrapInfo), out); err != nil {
		return nil, err
	}
	return out, nil
}

// RandomKey 32 random bytes.
func RandomKey() ([]byte, error) {
	k := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, err
	}
	return k, nil
}

// NewNonce 16 random bytes, base64.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Seal encrypts with key; prepends nonce to result (random when nonce is not NonceSize).
func Seal(key []byte, nonce []byte, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		nonce = make([]byte, NonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts (first NonceSize = nonce) with key.
func Open(key []byte, ciphertext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < NonceSize {
		return nil, ErrShortCiphertext
	}
	nonce, ct := ciphertext[:NonceSize], ciphertext[NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}
