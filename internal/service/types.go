package service

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"intents-rebalancer/internal/intent"
	"intents-rebalancer/internal/rebalance"
)

// Portfolio is a user's target allocation and settlement account.
type Portfolio struct {
	UserID         string
	IntentsAddress string
	Weights        rebalance.Weights
}

// TokenIDs lists the weighted assets in a stable order, followed by the
// stablecoin when it is not weighted itself.
func (p Portfolio) TokenIDs(stablecoin string) []string {
	ids := make([]string, 0, len(p.Weights)+1)
	hasStable := false
	for asset := range p.Weights {
		ids = append(ids, asset)
		if strings.EqualFold(asset, stablecoin) {
			hasStable = true
		}
	}
	sort.Strings(ids)
	if !hasStable && stablecoin != "" {
		ids = append(ids, stablecoin)
	}
	return ids
}

type userInfo struct {
	IntentsAddress string            `json:"near_intents_address"`
	RequiredSpread rebalance.Weights `json:"required_spread"`
}

type balanceArgs struct {
	AccountID string   `json:"account_id"`
	TokenIDs  []string `json:"token_ids"`
}

type balancePortfolioArgs struct {
	UserPortfolio string        `json:"user_portfolio"`
	Hash          string        `json:"hash"`
	DefuseIntents intent.Intent `json:"defuse_intents"`
}

// SideReport summarises one side of a portfolio rebalance.
type SideReport struct {
	Side        string
	Status      string
	RunID       uuid.UUID
	MessageHash string
	IntentHash  string
	QuoteHashes []string
	Diff        map[string]string
	Err         error
}

// PortfolioReport summarises one portfolio within a cycle.
type PortfolioReport struct {
	Portfolio string
	Value     decimal.Decimal
	Delta     map[string]*big.Int
	Sides     []SideReport
	Err       error
}

// CycleReport summarises a full cycle.
type CycleReport struct {
	ID         uuid.UUID
	StartedAt  time.Time
	Skipped    bool
	Portfolios []PortfolioReport
}

// Failed counts portfolios that were aborted.
func (r CycleReport) Failed() int {
	n := 0
	for _, p := range r.Portfolios {
		if p.Err != nil {
			n++
		}
	}
	return n
}
