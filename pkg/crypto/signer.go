// Package crypto holds the Ed25519 manifest signer. Signatures are NaCl
// crypto_sign detached signatures, interchangeable with libsodium and PyNaCl.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/sign"
)

// SignatureSize is the length of a detached signature.
const SignatureSize = sign.Overhead

var (
	ErrKeyEncoding = errors.New("signing key is not valid base64")
	ErrKeySize     = errors.New("signing key must be a 32-byte seed or 64-byte secret key")
	ErrKeyMismatch = errors.New("signing key public half does not match its seed")
)

// Signer produces detached signatures over raw bytes.
type Signer struct {
	priv [64]byte
	pub  [32]byte
}

// ParseSigningKey decodes a base64 Ed25519 key: either a 32-byte seed or a
// 64-byte NaCl secret key (seed followed by public key).
func ParseSigningKey(b64 string) (*Signer, error) {
	raw, err := decodeB64(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyEncoding, err)
	}

	var seed []byte
	switch len(raw) {
	case ed25519.SeedSize:
		seed = raw
	case ed25519.PrivateKeySize:
		seed = raw[:ed25519.SeedSize]
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrKeySize, len(raw))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if len(raw) == ed25519.PrivateKeySize && !bytes.Equal(priv, raw) {
		return nil, ErrKeyMismatch
	}

	s := &Signer{}
	copy(s.priv[:], priv)
	copy(s.pub[:], priv[ed25519.SeedSize:])
	return s, nil
}

// GenerateSigner creates a fresh key from rand.
func GenerateSigner(rand io.Reader) (*Signer, error) {
	pub, priv, err := sign.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: *priv, pub: *pub}, nil
}

// Sign returns the 64-byte detached signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	signed := sign.Sign(nil, msg, &s.priv)
	return signed[:SignatureSize]
}

// PublicKey returns the 32-byte public key.
func (s *Signer) PublicKey() []byte {
	out := make([]byte, len(s.pub))
	copy(out, s.pub[:])
	return out
}

func (s *Signer) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(s.pub[:])
}

// SeedB64 is the base64 32-byte seed, the form accepted in signing_key_b64.
func (s *Signer) SeedB64() string {
	return base64.StdEncoding.EncodeToString(s.priv[:ed25519.SeedSize])
}

// ParsePublicKey decodes a base64 32-byte public key.
func ParsePublicKey(b64 string) ([]byte, error) {
	raw, err := decodeB64(b64)
	if err != nil {
		return nil, fmt.Errorf("public key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return raw, nil
}

// Verify checks a detached signature produced by Sign.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	var pk [32]byte
	copy(pk[:], pub)

	signed := make([]byte, 0, len(sig)+len(msg))
	signed = append(signed, sig...)
	signed = append(signed, msg...)
	_, ok := sign.Open(nil, signed, &pk)
	return ok
}

func decodeB64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	if raw, err2 := base64.RawStdEncoding.DecodeString(s); err2 == nil {
		return raw, nil
	}
	return nil, err
}
