package mpc

import (
	"encoding/hex"
	"regexp"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

var secp256k1Pattern = regexp.MustCompile(`^secp256k1:[1-9A-HJ-NP-Za-km-z]+$`)

func TestToSecp256k1Layout(t *testing.T) {
	sig := Signature{
		BigR:       AffinePoint{AffinePoint: "02" + strings.Repeat("11", 32)},
		S:          Scalar{Scalar: "0x" + strings.Repeat("22", 31)},
		RecoveryID: 1,
	}

	encoded, err := ToSecp256k1(sig)
	require.NoError(t, err)
	require.Regexp(t, secp256k1Pattern, encoded)

	raw, err := base58.Decode(strings.TrimPrefix(encoded, Secp256k1Prefix))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	require.Equal(t, strings.Repeat("11", 32), hex.EncodeToString(raw[:32]))
	require.Equal(t, "00"+strings.Repeat("22", 31), hex.EncodeToString(raw[32:64]))
	require.Equal(t, byte(1), raw[64])

	again, err := ToSecp256k1(sig)
	require.NoError(t, err)
	require.Equal(t, encoded, again)
}

func TestToSecp256k1ShortValuesArePadded(t *testing.T) {
	sig := Signature{BigR: AffinePoint{AffinePoint: "0xabc"}, S: Scalar{Scalar: "1"}}
	encoded, err := ToSecp256k1(sig)
	require.NoError(t, err)

	raw, err := base58.Decode(strings.TrimPrefix(encoded, Secp256k1Prefix))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	require.Equal(t, []byte{0x0a, 0xbc}, raw[30:32])
	require.Equal(t, byte(1), raw[63])
	require.Equal(t, byte(0), raw[64])
}

func TestToSecp256k1RejectsBadInput(t *testing.T) {
	_, err := ToSecp256k1(Signature{BigR: AffinePoint{AffinePoint: "zz"}, S: Scalar{Scalar: "01"}})
	require.Error(t, err)

	_, err = ToSecp256k1(Signature{BigR: AffinePoint{AffinePoint: strings.Repeat("a", 68)}, S: Scalar{Scalar: "01"}})
	require.Error(t, err)

	_, err = ToSecp256k1(Signature{BigR: AffinePoint{AffinePoint: "01"}, S: Scalar{Scalar: "01"}, RecoveryID: 256})
	require.Error(t, err)
}

func TestRecoverPublicKeyMatchesSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := crypto.Keccak256([]byte("rebalance"))

	raw, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	// The MPC signer returns R as a compressed point; only its x coordinate is kept.
	sig := Signature{
		BigR:       AffinePoint{AffinePoint: "03" + hex.EncodeToString(raw[:32])},
		S:          Scalar{Scalar: hex.EncodeToString(raw[32:64])},
		RecoveryID: int(raw[64]),
	}

	pub, err := RecoverPublicKey(hash, sig)
	require.NoError(t, err)
	require.Equal(t, PublicKeyHex(&key.PublicKey), PublicKeyHex(pub))
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature([]byte(`{"big_r":{"affine_point":"02ab"},"s":{"scalar":"cd"},"recovery_id":1}`))
	require.NoError(t, err)
	require.Equal(t, "02ab", sig.BigR.AffinePoint)
	require.Equal(t, 1, sig.RecoveryID)

	_, err = ParseSignature([]byte(`{"s":{"scalar":"cd"}}`))
	require.Error(t, err)
}
