package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite database tuned for a single-node receipt store.
// Writes are serialized through one connection and wait on locks instead of
// failing with SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type SQLiteReceiptStore struct {
	db  *sql.DB
	now Clock
}

func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock used for created_at.
func (s *SQLiteReceiptStore) WithClock(c Clock) *SQLiteReceiptStore {
	s.now = c
	return s
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        task_id TEXT PRIMARY KEY,
        node_id TEXT NOT NULL,
        logic_version TEXT NOT NULL,
        input_hash TEXT NOT NULL,
        rules_hash TEXT NOT NULL,
        output_hash TEXT NOT NULL,
        validator_passed INTEGER NOT NULL,
        validator_errors TEXT NOT NULL,
        sig_payload TEXT NOT NULL,
        signature TEXT NOT NULL,
        result TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS receipts_passed_created ON receipts (validator_passed, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, taskID string) (*contracts.Receipt, error) {
	query := `
        SELECT task_id, node_id, logic_version, input_hash, rules_hash, output_hash,
               validator_passed, validator_errors, sig_payload, signature, result, created_at
        FROM receipts
        WHERE task_id = ?
    `
	var (
		r         contracts.Receipt
		passed    int64
		errorsRaw string
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&r.TaskID, &r.NodeID, &r.LogicVersion, &r.InputHash, &r.RulesHash, &r.OutputHash,
		&passed, &errorsRaw, &r.SigPayload, &r.Signature, &r.Result, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to query receipt: %w", err)
	}

	switch passed {
	case 0:
		r.ValidatorPassed = false
	case 1:
		r.ValidatorPassed = true
	default:
		return nil, fmt.Errorf("%w: task %s: validator_passed=%d", ErrCorruptReceipt, taskID, passed)
	}
	return finishReceipt(&r, errorsRaw)
}

func (s *SQLiteReceiptStore) Put(ctx context.Context, r *contracts.Receipt) error {
	errorsJSON, err := encodeErrors(r.ValidatorErrors)
	if err != nil {
		return fmt.Errorf("failed to encode validator errors: %w", err)
	}
	createdAt := s.now().Unix()
	passed := 0
	if r.ValidatorPassed {
		passed = 1
	}

	query := `INSERT INTO receipts (
		task_id, node_id, logic_version, input_hash, rules_hash, output_hash,
		validator_passed, validator_errors, sig_payload, signature, result, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (task_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		r.TaskID, r.NodeID, r.LogicVersion, r.InputHash, r.RulesHash, r.OutputHash,
		passed, errorsJSON, r.SigPayload, r.Signature, r.Result, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskID, r.TaskID)
	}
	r.CreatedAt = createdAt
	return nil
}

func (s *SQLiteReceiptStore) Aggregate(ctx context.Context, sampleLimit int) (*contracts.AggregateStats, error) {
	stats := &contracts.AggregateStats{}
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(SUM(CASE WHEN validator_passed = 1 THEN 1 ELSE 0 END), 0)
        FROM receipts
    `).Scan(&stats.Total, &stats.PassedTrue)
	if err != nil {
		return nil, fmt.Errorf("failed to count receipts: %w", err)
	}
	stats.PassedFalse = stats.Total - stats.PassedTrue

	rows, err := s.db.QueryContext(ctx, `
        SELECT validator_errors
        FROM receipts
        WHERE validator_passed = 0
        ORDER BY created_at DESC, task_id DESC
        LIMIT ?
    `, normalizeSampleLimit(sampleLimit))
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

// finishReceipt decodes the JSON columns shared by the SQL backends.
func finishReceipt(r *contracts.Receipt, errorsRaw string) (*contracts.Receipt, error) {
	errs, err := decodeErrors(errorsRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: task %s: validator_errors: %v", ErrCorruptReceipt, r.TaskID, err)
	}
	r.ValidatorErrors = errs
	if !json.Valid([]byte(r.Result)) {
		return nil, fmt.Errorf("%w: task %s: result is not valid JSON", ErrCorruptReceipt, r.TaskID)
	}
	if !json.Valid([]byte(r.SigPayload)) {
		return nil, fmt.Errorf("%w: task %s: sig_payload is not valid JSON", ErrCorruptReceipt, r.TaskID)
	}
	return r, nil
}
