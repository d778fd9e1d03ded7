package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// PostgresReceiptStore implements ReceiptStore using PostgreSQL.
type PostgresReceiptStore struct {
	db  *sql.DB
	now Clock
}

func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db, now: time.Now}
}

// WithClock overrides the clock used for created_at.
func (s *PostgresReceiptStore) WithClock(c Clock) *PostgresReceiptStore {
	s.now = c
	return s
}

// Init creates the receipts table if it does not exist.
func (s *PostgresReceiptStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		task_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		logic_version TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		rules_hash TEXT NOT NULL,
		output_hash TEXT NOT NULL,
		validator_passed BOOLEAN NOT NULL,
		validator_errors TEXT NOT NULL,
		sig_payload TEXT NOT NULL,
		signature TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS receipts_passed_created ON receipts (validator_passed, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to init receipts table: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, taskID string) (*contracts.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, node_id, logic_version, input_hash, rules_hash, output_hash,
		       validator_passed, validator_errors, sig_payload, signature, result, created_at
		FROM receipts WHERE task_id = $1`, taskID)

	var (
		r         contracts.Receipt
		errorsRaw string
	)
	err := row.Scan(
		&r.TaskID, &r.NodeID, &r.LogicVersion, &r.InputHash, &r.RulesHash, &r.OutputHash,
		&r.ValidatorPassed, &errorsRaw, &r.SigPayload, &r.Signature, &r.Result, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return finishReceipt(&r, errorsRaw)
}

func (s *PostgresReceiptStore) Put(ctx context.Context, r *contracts.Receipt) error {
	errorsJSON, err := encodeErrors(r.ValidatorErrors)
	if err != nil {
		return fmt.Errorf("failed to encode validator errors: %w", err)
	}
	createdAt := s.now().Unix()

	query := `
		INSERT INTO receipts (task_id, node_id, logic_version, input_hash, rules_hash, output_hash,
			validator_passed, validator_errors, sig_payload, signature, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		r.TaskID, r.NodeID, r.LogicVersion, r.InputHash, r.RulesHash, r.OutputHash,
		r.ValidatorPassed, errorsJSON, r.SigPayload, r.Signature, r.Result, createdAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, r.TaskID)
		}
		return fmt.Errorf("failed to persist receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to persist receipt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskID, r.TaskID)
	}
	r.CreatedAt = createdAt
	return nil
}

func (s *PostgresReceiptStore) Aggregate(ctx context.Context, sampleLimit int) (*contracts.AggregateStats, error) {
	stats := &contracts.AggregateStats{}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN validator_passed THEN 1 ELSE 0 END), 0)
		FROM receipts`)
	if err := row.Scan(&stats.Total, &stats.PassedTrue); err != nil {
		return nil, fmt.Errorf("failed to count receipts: %w", err)
	}
	stats.PassedFalse = stats.Total - stats.PassedTrue

	rows, err := s.db.QueryContext(ctx, `
		SELECT validator_errors FROM receipts
		WHERE NOT validator_passed
		ORDER BY created_at DESC, task_id DESC
		LIMIT $1`, normalizeSampleLimit(sampleLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to sample failing receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tally := newReasonTally()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		tally.addRaw(raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.TopReasons = tally.top(TopReasonsLimit)
	return stats, nil
}
