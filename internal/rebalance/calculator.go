package rebalance

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"intents-rebalancer/internal/quote"
)

// BasisPoints is the weight that represents the whole portfolio.
const BasisPoints = 10000

// DefaultBuffer is the headroom subtracted from large trades to absorb slippage
// between calculation and execution.
const DefaultBuffer = 5000

// ratePrecision keeps cross-decimal rates (for example 6-decimal stablecoin
// per 24-decimal token) from collapsing to zero.
const ratePrecision = 48

type (
	// Weights maps an asset to its target share in basis points.
	Weights map[string]int64
	// Balances maps an asset to its balance in smallest units.
	Balances map[string]*big.Int
	// Delta maps an asset to a signed trade amount. Positive entries are buys
	// expressed in stablecoin units, negative entries are sells in native units.
	Delta map[string]*big.Int
)

// Options configure a Calculator.
type Options struct {
	Stablecoin string
	Buffer     int64
}

// Calculator turns balances, weights and prices into trade amounts.
type Calculator struct {
	stablecoin string
	buffer     decimal.Decimal
}

// NewCalculator constructs a calculator. A zero buffer disables the clamp;
// callers wanting the usual slack pass DefaultBuffer.
func NewCalculator(opts Options) *Calculator {
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	return &Calculator{
		stablecoin: strings.ToLower(opts.Stablecoin),
		buffer:     decimal.NewFromInt(opts.Buffer),
	}
}

// Valuation is the stablecoin value of a portfolio at quoted prices.
type Valuation struct {
	Rates  map[string]decimal.Decimal
	Values map[string]decimal.Decimal
	Total  decimal.Decimal
}

// Value prices every quoted asset. The first quote seen for an asset sets its
// rate; assets without a quote contribute nothing except the stablecoin,
// which counts at face value.
func (c *Calculator) Value(quotes []quote.Quote, balances Balances) Valuation {
	held := normalise(balances)
	v := Valuation{
		Rates:  make(map[string]decimal.Decimal, len(quotes)),
		Values: make(map[string]decimal.Decimal, len(quotes)),
		Total:  decimal.Zero,
	}
	if bal, ok := held[c.stablecoin]; ok {
		v.Total = decimal.NewFromBigInt(bal, 0)
	}

	for _, q := range quotes {
		asset := strings.ToLower(q.AssetIn)
		if _, seen := v.Rates[asset]; seen {
			continue
		}
		rate := quoteRate(q)
		value := decimal.Zero
		if bal, ok := held[asset]; ok {
			value = decimal.NewFromBigInt(bal, 0).Mul(rate)
		}
		v.Rates[asset] = rate
		v.Values[asset] = value
		v.Total = v.Total.Add(value)
	}
	return v
}

// Target is the stablecoin value weight asks for out of total. Basis points
// are a power of ten, so the result is exact.
func Target(total decimal.Decimal, weight int64) decimal.Decimal {
	return total.Mul(decimal.NewFromInt(weight)).Shift(-4)
}

// Compute returns the trades that move the portfolio toward weights. Assets
// without a positive rate are skipped, and zero amounts are dropped.
func (c *Calculator) Compute(weights Weights, quotes []quote.Quote, balances Balances) Delta {
	val := c.Value(quotes, balances)
	delta := make(Delta)

	for asset, weight := range weights {
		key := strings.ToLower(asset)
		rate, ok := val.Rates[key]
		if !ok || rate.Sign() <= 0 {
			continue
		}

		diff := Target(val.Total, weight).Sub(val.Values[key])
		native := diff.DivRound(rate, ratePrecision)

		// Buys floor the stablecoin value and sells round toward zero, so the
		// portfolio always sells a little more than it buys.
		var amount decimal.Decimal
		if native.Sign() > 0 {
			amount = diff.Floor()
		} else {
			amount = native.Ceil()
		}
		amount = c.clamp(amount)

		if amount.IsZero() {
			continue
		}
		delta[asset] = amount.BigInt()
	}
	return delta
}

func (c *Calculator) clamp(amount decimal.Decimal) decimal.Decimal {
	if c.buffer.IsZero() || amount.Abs().Cmp(c.buffer) <= 0 {
		return amount
	}
	if amount.Sign() > 0 {
		return amount.Sub(c.buffer)
	}
	return amount.Add(c.buffer)
}

// SplitSides separates a delta into sell and buy amounts, both positive.
func SplitSides(delta Delta) (sell, buy map[string]*big.Int) {
	sell = make(map[string]*big.Int)
	buy = make(map[string]*big.Int)
	for asset, amount := range delta {
		switch amount.Sign() {
		case -1:
			sell[asset] = new(big.Int).Neg(amount)
		case 1:
			buy[asset] = new(big.Int).Set(amount)
		}
	}
	return sell, buy
}

func quoteRate(q quote.Quote) decimal.Decimal {
	in, err := q.In()
	if err != nil || in.Sign() <= 0 {
		return decimal.Zero
	}
	out, err := q.Out()
	if err != nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(out, 0).DivRound(decimal.NewFromBigInt(in, 0), ratePrecision)
}

func normalise(balances Balances) map[string]*big.Int {
	out := make(map[string]*big.Int, len(balances))
	for asset, bal := range balances {
		if bal != nil {
			out[strings.ToLower(asset)] = bal
		}
	}
	return out
}
