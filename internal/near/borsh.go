package near

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	keyTypeED25519     byte = 0
	actionFunctionCall byte = 2
)

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// functionCall is the only action this agent ever submits.
type functionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    *big.Int
}

type transaction struct {
	SignerID   string
	PublicKey  []byte
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []functionCall
}

type borshWriter struct {
	buf bytes.Buffer
	err error
}

func (w *borshWriter) u8(v byte) { w.buf.WriteByte(v) }

func (w *borshWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *borshWriter) u128(v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		w.err = fmt.Errorf("u128 out of range: %s", v)
		return
	}
	var b [16]byte
	v.FillBytes(b[:])
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	w.buf.Write(b[:])
}

func (w *borshWriter) bytesWithLen(v []byte) {
	w.u32(uint32(len(v)))
	w.buf.Write(v)
}

func (w *borshWriter) str(v string) { w.bytesWithLen([]byte(v)) }

func (w *borshWriter) fixed(v []byte) { w.buf.Write(v) }

func (tx transaction) encode() ([]byte, error) {
	if len(tx.PublicKey) != 32 {
		return nil, fmt.Errorf("public key must be 32 bytes, got %d", len(tx.PublicKey))
	}
	w := &borshWriter{}
	w.str(tx.SignerID)
	w.u8(keyTypeED25519)
	w.fixed(tx.PublicKey)
	w.u64(tx.Nonce)
	w.str(tx.ReceiverID)
	w.fixed(tx.BlockHash[:])
	w.u32(uint32(len(tx.Actions)))
	for _, action := range tx.Actions {
		w.u8(actionFunctionCall)
		w.str(action.MethodName)
		w.bytesWithLen(action.Args)
		w.u64(action.Gas)
		w.u128(action.Deposit)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// signTransaction returns the borsh SignedTransaction and the transaction hash.
func signTransaction(tx transaction, key KeyPair) ([]byte, [32]byte, error) {
	encoded, err := tx.encode()
	if err != nil {
		return nil, [32]byte{}, err
	}
	hash := sha256.Sum256(encoded)
	signature := key.Sign(hash[:])

	w := &borshWriter{}
	w.fixed(encoded)
	w.u8(keyTypeED25519)
	w.fixed(signature)
	return w.buf.Bytes(), hash, nil
}
