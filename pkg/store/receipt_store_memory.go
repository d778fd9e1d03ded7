package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
)

// MemoryReceiptStore keeps receipts in process memory. Used by tests and
// ephemeral nodes.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]memoryRow
	now      Clock
}

type memoryRow struct {
	receipt   contracts.Receipt
	errorsRaw string
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{
		receipts: make(map[string]memoryRow),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for created_at.
func (s *MemoryReceiptStore) WithClock(c Clock) *MemoryReceiptStore {
	s.now = c
	return s
}

func (s *MemoryReceiptStore) Get(_ context.Context, taskID string) (*contracts.Receipt, error) {
	s.mu.RLock()
	row, ok := s.receipts[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrReceiptNotFound
	}
	r := row.receipt
	return finishReceipt(&r, row.errorsRaw)
}

func (s *MemoryReceiptStore) Put(_ context.Context, r *contracts.Receipt) error {
	errorsJSON, err := encodeErrors(r.ValidatorErrors)
	if err != nil {
		return fmt.Errorf("failed to encode validator errors: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[r.TaskID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskID, r.TaskID)
	}
	r.CreatedAt = s.now().Unix()
	stored := *r
	stored.ValidatorErrors = nil
	s.receipts[r.TaskID] = memoryRow{receipt: stored, errorsRaw: errorsJSON}
	return nil
}

func (s *MemoryReceiptStore) Aggregate(_ context.Context, sampleLimit int) (*contracts.AggregateStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &contracts.AggregateStats{Total: int64(len(s.receipts))}
	var failing []memoryRow
	for _, row := range s.receipts {
		if row.receipt.ValidatorPassed {
			stats.PassedTrue++
			continue
		}
		failing = append(failing, row)
	}
	stats.PassedFalse = stats.Total - stats.PassedTrue

	// Most recent first, matching the SQL stores.
	sort.Slice(failing, func(i, j int) bool {
		a, b := failing[i], failing[j]
		if a.receipt.CreatedAt != b.receipt.CreatedAt {
			return a.receipt.CreatedAt > b.receipt.CreatedAt
		}
		return a.receipt.TaskID > b.receipt.TaskID
	})
	if limit := normalizeSampleLimit(sampleLimit); len(failing) > limit {
		failing = failing[:limit]
	}

	tally := newReasonTally()
	for _, row := range failing {
		tally.addRaw(row.errorsRaw)
	}
	stats.TopReasons = tally.top(TopReasonsLimit)
	return stats, nil
}
