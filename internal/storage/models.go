package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Run statuses.
const (
	StatusPublished = "published"
	StatusSkipped   = "skipped"
	StatusDryRun    = "dry_run"
	StatusFailed    = "failed"
)

// Sides of a rebalance.
const (
	SideSell = "sell"
	SideBuy  = "buy"
)

// RebalanceRun is the audit record of one side of one portfolio rebalance.
type RebalanceRun struct {
	ID          uuid.UUID
	CycleID     uuid.UUID
	Portfolio   string
	Side        string
	Status      string
	Nonce       *string
	Deadline    *string
	Payload     *string
	MessageHash *string
	QuoteHashes []string
	Signature   *string
	IntentHash  *string
	Error       *string
	StartedAt   time.Time
	FinishedAt  time.Time
	CreatedAt   time.Time
}

// PortfolioSnapshot is a portfolio valuation taken at the start of a rebalance.
type PortfolioSnapshot struct {
	ID         int64
	CycleID    uuid.UUID
	Portfolio  string
	TakenAt    time.Time
	TotalValue decimal.Decimal
	Balances   json.RawMessage
	Delta      json.RawMessage
	CreatedAt  time.Time
}
