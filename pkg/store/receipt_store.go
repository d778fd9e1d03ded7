package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
)

var (
	// ErrReceiptNotFound is the "absent" result of Get.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrDuplicateTaskID is returned by Put when a receipt already exists for the task.
	ErrDuplicateTaskID = errors.New("duplicate task id")
	// ErrCorruptReceipt is returned by Get when a stored row cannot be decoded.
	ErrCorruptReceipt = errors.New("corrupt receipt")
)

const (
	// DefaultSampleLimit bounds how many failing receipts Aggregate samples.
	DefaultSampleLimit = 500
	// TopReasonsLimit is the number of reasons Aggregate reports.
	TopReasonsLimit = 10
	// ReasonParseFailed stands in for stored error lists that cannot be decoded.
	ReasonParseFailed = "errors_parse_failed"
)

// ReceiptStore defines the interface for persisting and retrieving attestation receipts.
// Implementations must be safe for concurrent use.
type ReceiptStore interface {
	// Get returns the receipt for taskID, or ErrReceiptNotFound.
	Get(ctx context.Context, taskID string) (*contracts.Receipt, error)
	// Put inserts a new receipt and sets its CreatedAt. It returns
	// ErrDuplicateTaskID when the task id is already taken; the uniqueness
	// constraint, not a prior lookup, decides the winner.
	Put(ctx context.Context, receipt *contracts.Receipt) error
	// Aggregate summarises all receipts; failure reasons are sampled from the
	// most recent sampleLimit failing receipts.
	Aggregate(ctx context.Context, sampleLimit int) (*contracts.AggregateStats, error)
}

// Clock returns the current time; stores take one so tests can pin created_at.
type Clock func() time.Time

func encodeErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	return canonicalize.JCSString(errs)
}

func decodeErrors(raw string) ([]string, error) {
	var errs []string
	if err := json.Unmarshal([]byte(raw), &errs); err != nil {
		return nil, err
	}
	if errs == nil {
		errs = []string{}
	}
	return errs, nil
}

// reasonTally counts failure reasons, remembering first-seen order for ties.
type reasonTally struct {
	counts map[string]int
	order  []string
}

func newReasonTally() *reasonTally {
	return &reasonTally{counts: make(map[string]int)}
}

func (t *reasonTally) add(reason string) {
	if _, seen := t.counts[reason]; !seen {
		t.order = append(t.order, reason)
	}
	t.counts[reason]++
}

func (t *reasonTally) addList(reasons []string) {
	for _, r := range reasons {
		t.add(r)
	}
}

// addRaw tallies a stored JSON error list, counting undecodable lists under
// ReasonParseFailed.
func (t *reasonTally) addRaw(raw string) {
	reasons, err := decodeErrors(raw)
	if err != nil {
		t.add(ReasonParseFailed)
		return
	}
	t.addList(reasons)
}

func (t *reasonTally) top(n int) []contracts.ReasonCount {
	out := make([]contracts.ReasonCount, 0, len(t.order))
	for _, r := range t.order {
		out = append(out, contracts.ReasonCount{Reason: r, Count: t.counts[r]})
	}
	// Stable sort keeps first-seen order among equal counts.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func normalizeSampleLimit(limit int) int {
	if limit <= 0 {
		return DefaultSampleLimit
	}
	return limit
}
