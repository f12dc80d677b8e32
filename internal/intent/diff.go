package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// TokenDiff is a signed balance change per asset. Entries keep the order in
// which assets were first added, and that order is preserved on the wire
// because the signed payload is hashed byte for byte.
type TokenDiff struct {
	order  []string
	amount map[string]*big.Int
}

// NewTokenDiff returns an empty diff.
func NewTokenDiff() *TokenDiff {
	return &TokenDiff{amount: make(map[string]*big.Int)}
}

// Add accumulates delta into asset, registering the asset on first use.
func (d *TokenDiff) Add(asset string, delta *big.Int) {
	cur, ok := d.amount[asset]
	if !ok {
		cur = new(big.Int)
		d.amount[asset] = cur
		d.order = append(d.order, asset)
	}
	cur.Add(cur, delta)
}

// Touch registers asset with a zero amount if it is not present yet.
func (d *TokenDiff) Touch(asset string) {
	d.Add(asset, new(big.Int))
}

// Assets returns assets in insertion order.
func (d *TokenDiff) Assets() []string {
	return append([]string(nil), d.order...)
}

// Get returns the accumulated amount for asset, or nil.
func (d *TokenDiff) Get(asset string) *big.Int {
	v, ok := d.amount[asset]
	if !ok {
		return nil
	}
	return new(big.Int).Set(v)
}

// Len is the number of assets in the diff.
func (d *TokenDiff) Len() int { return len(d.order) }

// Sum is the total of all entries. A batch quoted against one stablecoin
// nets to zero or less.
func (d *TokenDiff) Sum() *big.Int {
	total := new(big.Int)
	for _, asset := range d.order {
		total.Add(total, d.amount[asset])
	}
	return total
}

// MarshalJSON renders {"asset":"amount",...} in insertion order.
func (d *TokenDiff) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, asset := range d.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalCompact(asset)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteByte('"')
		buf.WriteString(d.amount[asset].String())
		buf.WriteByte('"')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a diff and keeps the document's key order.
func (d *TokenDiff) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("token diff must be an object")
	}

	*d = *NewTokenDiff()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		asset, _ := keyTok.(string)

		var raw string
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("token diff %s: %w", asset, err)
		}
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("token diff %s: invalid amount %q", asset, raw)
		}
		d.Add(asset, amount)
	}
	_, err = dec.Token()
	return err
}
