package near

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const ed25519Prefix = "ed25519:"

// KeyPair is an ed25519 function-call access key.
type KeyPair struct {
	private ed25519.PrivateKey
}

// ParseKeyPair decodes an "ed25519:<base58>" secret key. Both the 64-byte
// expanded form and the 32-byte seed form are accepted.
func ParseKeyPair(encoded string) (KeyPair, error) {
	encoded = strings.TrimSpace(encoded)
	if !strings.HasPrefix(encoded, ed25519Prefix) {
		return KeyPair{}, fmt.Errorf("unsupported key type, expected %q prefix", ed25519Prefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(encoded, ed25519Prefix))
	if err != nil {
		return KeyPair{}, fmt.Errorf("decode secret key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return KeyPair{private: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return KeyPair{private: ed25519.NewKeyFromSeed(raw)}, nil
	default:
		return KeyPair{}, fmt.Errorf("secret key must be %d or %d bytes, got %d", ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// KeyPairFromSeed builds a key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) KeyPair {
	return KeyPair{private: ed25519.NewKeyFromSeed(seed)}
}

// PublicKey returns the raw 32-byte public key.
func (k KeyPair) PublicKey() ed25519.PublicKey {
	if k.private == nil {
		return nil
	}
	return k.private.Public().(ed25519.PublicKey)
}

// PublicKeyString renders the public key as "ed25519:<base58>".
func (k KeyPair) PublicKeyString() string {
	return ed25519Prefix + base58.Encode(k.PublicKey())
}

// Sign signs the message with the private key.
func (k KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Valid reports whether the key pair holds a private key.
func (k KeyPair) Valid() bool { return len(k.private) == ed25519.PrivateKeySize }
