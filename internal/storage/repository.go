package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertRunSQL = `INSERT INTO rebalance_runs (
        id,
        cycle_id,
        portfolio,
        side,
        status,
        nonce,
        deadline,
        payload,
        message_hash,
        quote_hashes,
        signature,
        intent_hash,
        error,
        started_at,
        finished_at
    ) VALUES (
        $1::uuid,$2::uuid,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (id) DO UPDATE
    SET
        status       = EXCLUDED.status,
        nonce        = EXCLUDED.nonce,
        deadline     = EXCLUDED.deadline,
        payload      = EXCLUDED.payload,
        message_hash = EXCLUDED.message_hash,
        quote_hashes = EXCLUDED.quote_hashes,
        signature    = EXCLUDED.signature,
        intent_hash  = EXCLUDED.intent_hash,
        error        = EXCLUDED.error,
        finished_at  = EXCLUDED.finished_at;`

	selectRunColumns = `SELECT
        id::text,
        cycle_id::text,
        portfolio,
        side,
        status,
        nonce,
        deadline,
        payload,
        message_hash,
        quote_hashes,
        signature,
        intent_hash,
        error,
        started_at,
        finished_at,
        created_at
    FROM rebalance_runs`

	listRecentRunsSQL = selectRunColumns + `
    ORDER BY started_at DESC
    LIMIT $1;`

	listRecentRunsForPortfolioSQL = selectRunColumns + `
    WHERE portfolio = $1
    ORDER BY started_at DESC
    LIMIT $2;`

	listRunsBetweenSQL = selectRunColumns + `
    WHERE started_at >= $1
      AND started_at < $2
    ORDER BY started_at;`

	countRunsSQL = `SELECT COUNT(*) FROM rebalance_runs;`

	insertSnapshotSQL = `INSERT INTO portfolio_snapshots (
        cycle_id,
        portfolio,
        taken_at,
        total_value,
        balances,
        delta
    ) VALUES (
        $1::uuid,$2,$3,$4::numeric,$5,$6
    )
    RETURNING id, created_at;`

	listSnapshotsBetweenSQL = `SELECT
        id,
        cycle_id::text,
        portfolio,
        taken_at,
        total_value::text,
        balances,
        delta,
        created_at
    FROM portfolio_snapshots
    WHERE taken_at >= $1
      AND taken_at < $2
    ORDER BY taken_at;`

	deleteSnapshotsBeforeSQL = `DELETE FROM portfolio_snapshots WHERE taken_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RunStore defines operations for rebalance run persistence.
type RunStore interface {
	RecordRun(ctx context.Context, run RebalanceRun) error
	ListRecentRuns(ctx context.Context, portfolio string, limit int) ([]RebalanceRun, error)
	ListRunsBetween(ctx context.Context, from, to time.Time) ([]RebalanceRun, error)
	CountRuns(ctx context.Context) (int64, error)
}

// SnapshotStore defines operations for portfolio valuation history.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap PortfolioSnapshot) (PortfolioSnapshot, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]PortfolioSnapshot, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to runs and snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// The session lock also goes away when the connection closes.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RecordRun inserts a run or updates it in place when it already exists.
func (s *Store) RecordRun(ctx context.Context, run RebalanceRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if run.ID == uuid.Nil {
		return fmt.Errorf("record run: id is required")
	}

	hashes := run.QuoteHashes
	if hashes == nil {
		hashes = []string{}
	}

	_, execErr := pool.Exec(ctx, upsertRunSQL,
		run.ID.String(),
		run.CycleID.String(),
		run.Portfolio,
		run.Side,
		run.Status,
		run.Nonce,
		run.Deadline,
		run.Payload,
		run.MessageHash,
		hashes,
		run.Signature,
		run.IntentHash,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if execErr != nil {
		return fmt.Errorf("record run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the newest runs, optionally for a single portfolio.
func (s *Store) ListRecentRuns(ctx context.Context, portfolio string, limit int) ([]RebalanceRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if portfolio == "" {
		rows, queryErr = pool.Query(ctx, listRecentRunsSQL, limit)
	} else {
		rows, queryErr = pool.Query(ctx, listRecentRunsForPortfolioSQL, portfolio, limit)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows, limit)
}

// ListRunsBetween lists runs started within a time window.
func (s *Store) ListRunsBetween(ctx context.Context, from, to time.Time) ([]RebalanceRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs between: %w", queryErr)
	}
	defer rows.Close()

	return collectRuns(rows, 0)
}

// CountRuns counts stored runs.
func (s *Store) CountRuns(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRunsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count runs: %w", scanErr)
	}
	return count, nil
}

// InsertSnapshot persists a portfolio valuation.
func (s *Store) InsertSnapshot(ctx context.Context, snap PortfolioSnapshot) (PortfolioSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return PortfolioSnapshot{}, err
	}

	row := pool.QueryRow(ctx, insertSnapshotSQL,
		snap.CycleID.String(),
		snap.Portfolio,
		snap.TakenAt,
		snap.TotalValue.String(),
		[]byte(orEmptyObject(snap.Balances)),
		[]byte(orEmptyObject(snap.Delta)),
	)
	if scanErr := row.Scan(&snap.ID, &snap.CreatedAt); scanErr != nil {
		return PortfolioSnapshot{}, fmt.Errorf("insert snapshot: %w", scanErr)
	}
	return snap, nil
}

// ListSnapshotsBetween lists snapshots taken within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]PortfolioSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]PortfolioSnapshot, 0)
	for rows.Next() {
		var (
			snap     PortfolioSnapshot
			cycleID  string
			totalStr string
			balances []byte
			delta    []byte
		)
		if scanErr := rows.Scan(
			&snap.ID,
			&cycleID,
			&snap.Portfolio,
			&snap.TakenAt,
			&totalStr,
			&balances,
			&delta,
			&snap.CreatedAt,
		); scanErr != nil {
			return nil, scanErr
		}
		if snap.CycleID, err = uuid.Parse(cycleID); err != nil {
			return nil, fmt.Errorf("parse cycle id: %w", err)
		}
		if snap.TotalValue, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse total value: %w", err)
		}
		snap.Balances = json.RawMessage(balances)
		snap.Delta = json.RawMessage(delta)
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// DeleteSnapshotsBefore prunes valuation history.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func collectRuns(rows pgx.Rows, capacity int) ([]RebalanceRun, error) {
	runs := make([]RebalanceRun, 0, capacity)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func scanRun(rows pgx.Rows) (RebalanceRun, error) {
	var (
		run         RebalanceRun
		id, cycleID string
		nonce       sql.NullString
		deadline    sql.NullString
		payload     sql.NullString
		messageHash sql.NullString
		signature   sql.NullString
		intentHash  sql.NullString
		errMsg      sql.NullString
	)

	if err := rows.Scan(
		&id,
		&cycleID,
		&run.Portfolio,
		&run.Side,
		&run.Status,
		&nonce,
		&deadline,
		&payload,
		&messageHash,
		&run.QuoteHashes,
		&signature,
		&intentHash,
		&errMsg,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	); err != nil {
		return RebalanceRun{}, err
	}

	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return RebalanceRun{}, fmt.Errorf("parse run id: %w", err)
	}
	if run.CycleID, err = uuid.Parse(cycleID); err != nil {
		return RebalanceRun{}, fmt.Errorf("parse cycle id: %w", err)
	}

	run.Nonce = nullable(nonce)
	run.Deadline = nullable(deadline)
	run.Payload = nullable(payload)
	run.MessageHash = nullable(messageHash)
	run.Signature = nullable(signature)
	run.IntentHash = nullable(intentHash)
	run.Error = nullable(errMsg)
	return run, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
