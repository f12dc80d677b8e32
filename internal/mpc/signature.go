package mpc

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Secp256k1Prefix tags signatures in the format the settlement contract accepts.
const Secp256k1Prefix = "secp256k1:"

// Signature is the MPC signer's response.
type Signature struct {
	BigR       AffinePoint `json:"big_r"`
	S          Scalar      `json:"s"`
	RecoveryID int         `json:"recovery_id"`
}

// AffinePoint is the compressed R point, hex encoded.
type AffinePoint struct {
	AffinePoint string `json:"affine_point"`
}

// Scalar is the s value, hex encoded.
type Scalar struct {
	Scalar string `json:"scalar"`
}

// ParseSignature decodes the JSON body returned by the signing contract.
func ParseSignature(raw []byte) (Signature, error) {
	var sig Signature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signature{}, fmt.Errorf("decode mpc signature: %w", err)
	}
	if sig.BigR.AffinePoint == "" || sig.S.Scalar == "" {
		return Signature{}, fmt.Errorf("mpc signature missing big_r or s")
	}
	return sig, nil
}

// Bytes returns the 65-byte r || s || v layout.
func (s Signature) Bytes() ([]byte, error) {
	r := strip0x(s.BigR.AffinePoint)
	if len(r) == 66 {
		r = r[2:]
	}
	rBytes, err := leftPad32("big_r", r)
	if err != nil {
		return nil, err
	}
	sBytes, err := leftPad32("s", strip0x(s.S.Scalar))
	if err != nil {
		return nil, err
	}
	if s.RecoveryID < 0 || s.RecoveryID > 255 {
		return nil, fmt.Errorf("recovery id %d does not fit in a byte", s.RecoveryID)
	}

	out := make([]byte, 0, 65)
	out = append(out, rBytes...)
	out = append(out, sBytes...)
	out = append(out, byte(s.RecoveryID))
	return out, nil
}

// ToSecp256k1 renders the signature as "secp256k1:<base58 of r||s||v>".
func ToSecp256k1(sig Signature) (string, error) {
	raw, err := sig.Bytes()
	if err != nil {
		return "", err
	}
	return Secp256k1Prefix + base58.Encode(raw), nil
}

// RecoverPublicKey recovers the key that produced sig over hash.
func RecoverPublicKey(hash []byte, sig Signature) (*ecdsa.PublicKey, error) {
	raw, err := sig.Bytes()
	if err != nil {
		return nil, err
	}
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return nil, fmt.Errorf("recover public key: %w", err)
	}
	return pub, nil
}

// PublicKeyHex renders an uncompressed public key as 0x-prefixed hex.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(pub))
}

func strip0x(v string) string {
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return v[2:]
	}
	return v
}

func leftPad32(field, hexValue string) ([]byte, error) {
	if len(hexValue) > 64 {
		return nil, fmt.Errorf("%s is longer than 32 bytes", field)
	}
	if len(hexValue)%2 == 1 {
		hexValue = "0" + hexValue
	}
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out, nil
}
