package attestation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
	"github.com/Mindburn-Labs/attestgrid/pkg/observability"
	"github.com/Mindburn-Labs/attestgrid/pkg/receipts"
	"github.com/Mindburn-Labs/attestgrid/pkg/store"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *crypto.Ed25519Signer, *store.MemoryReceiptStore) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("test-node")
	require.NoError(t, err)
	st := store.NewMemoryReceiptStore()
	return NewEngine("test-node", "1.0.0", signer, st, opts...), signer, st
}

func countingExecutor(calls *int32, result any) Executor {
	return ExecutorFunc(func(context.Context, map[string]any) (any, error) {
		atomic.AddInt32(calls, 1)
		return result, nil
	})
}

func TestAttest_IdentityScenario(t *testing.T) {
	e, signer, _ := newTestEngine(t)
	ctx := context.Background()

	work := ExecutorFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{"response": "ok"}, nil
	})
	r, err := e.Attest(ctx, "task-1", map[string]any{"prompt": "test"}, map[string]any{"max_len": 100}, work)
	require.NoError(t, err)

	assert.Equal(t, "task-1", r.TaskID)
	assert.Equal(t, "test-node", r.NodeID)
	assert.Equal(t, "1.0.0", r.LogicVersion)
	assert.True(t, r.ValidatorPassed)
	assert.Equal(t, []string{}, r.ValidatorErrors)
	assert.Equal(t, `{"response":"ok"}`, r.Result)
	assert.NotZero(t, r.CreatedAt)
	assert.True(t, crypto.Verify(r.Signature, []byte(r.SigPayload), signer.PublicKey()))

	inputHash, err := canonicalize.CanonicalHash(map[string]any{"prompt": "test"})
	require.NoError(t, err)
	rulesHash, err := canonicalize.CanonicalHash(map[string]any{"max_len": 100})
	require.NoError(t, err)
	assert.Equal(t, inputHash, r.InputHash)
	assert.Equal(t, rulesHash, r.RulesHash)
	assert.Equal(t, canonicalize.HashBytes([]byte(r.Result)), r.OutputHash)

	// The signed text is exactly the canonical payload rebuilt from the receipt.
	payload, err := canonicalize.JCSString(r.Payload())
	require.NoError(t, err)
	assert.Equal(t, payload, r.SigPayload)
}

func TestAttest_MissingRequiredKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	work := ExecutorFunc(func(context.Context, map[string]any) (any, error) {
		return map[string]any{}, nil
	})

	r, err := e.Attest(context.Background(), "task-x", map[string]any{}, map[string]any{"required_keys": []any{"x"}}, work)
	require.NoError(t, err)
	assert.False(t, r.ValidatorPassed)
	assert.Equal(t, []string{"Missing key: x"}, r.ValidatorErrors)
	assert.Contains(t, r.SigPayload, `"validator":{"errors":["Missing key: x"],"passed":false}`)
}

func TestAttest_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	var calls int32

	first, err := e.Attest(ctx, "task-1", map[string]any{"a": 1}, nil, countingExecutor(&calls, map[string]any{"v": 1}))
	require.NoError(t, err)

	second, err := e.Attest(ctx, "task-1", map[string]any{"a": 2}, map[string]any{"required_keys": []any{"zzz"}},
		countingExecutor(&calls, map[string]any{"v": 2}))
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first, second)
	assert.Equal(t, first.Signature, second.Signature)
}

func TestAttest_ExistingReceiptIgnoresMalformedRules(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Attest(ctx, "task-1", nil, nil, Identity)
	require.NoError(t, err)

	_, err = e.Attest(ctx, "task-1", nil, map[string]any{"required_keys": "not-a-list"}, Identity)
	assert.NoError(t, err)
}

func TestAttest_TamperDetection(t *testing.T) {
	e, signer, _ := newTestEngine(t)
	r, err := e.Attest(context.Background(), "task-1", map[string]any{"prompt": "test"}, nil, Identity)
	require.NoError(t, err)

	tampered := strings.Replace(r.SigPayload, r.InputHash, strings.Repeat("0", 64), 1)
	require.NotEqual(t, r.SigPayload, tampered)
	assert.False(t, crypto.Verify(r.Signature, []byte(tampered), signer.PublicKey()))
}

func TestAttest_ExecutionErrorPropagates(t *testing.T) {
	e, _, st := newTestEngine(t)
	boom := errors.New("model unavailable")
	work := ExecutorFunc(func(context.Context, map[string]any) (any, error) { return nil, boom })

	r, err := e.Attest(context.Background(), "task-1", nil, nil, work)
	assert.Nil(t, r)
	assert.Same(t, boom, err)

	_, err = st.Get(context.Background(), "task-1")
	assert.ErrorIs(t, err, store.ErrReceiptNotFound, "no receipt on execution failure")
}

func TestAttest_InvalidRulesBeforeWork(t *testing.T) {
	e, _, _ := newTestEngine(t)
	var calls int32
	_, err := e.Attest(context.Background(), "task-1", nil, map[string]any{"required_keys": 5}, countingExecutor(&calls, nil))
	assert.ErrorIs(t, err, receipts.ErrInvalidRules)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestAttest_UnserializableResult(t *testing.T) {
	e, _, _ := newTestEngine(t)
	var calls int32
	_, err := e.Attest(context.Background(), "task-1", nil, nil, countingExecutor(&calls, map[string]any{"c": make(chan int)}))
	assert.ErrorIs(t, err, canonicalize.ErrUnserializableValue)
}

func TestAttest_EmptyTaskID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Attest(context.Background(), "", nil, nil, Identity)
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

// lostRaceStore hides the winner from the first Get, as if a concurrent
// writer committed between the pre-check and Put.
type lostRaceStore struct {
	store.ReceiptStore
	hidden atomic.Bool
}

func (s *lostRaceStore) Get(ctx context.Context, taskID string) (*contracts.Receipt, error) {
	if s.hidden.CompareAndSwap(false, true) {
		return nil, store.ErrReceiptNotFound
	}
	return s.ReceiptStore.Get(ctx, taskID)
}

func TestAttest_DuplicateReturnsWinner(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("n")
	require.NoError(t, err)
	mem := store.NewMemoryReceiptStore()
	ctx := context.Background()

	winnerEngine := NewEngine("n", "1.0.0", signer, mem)
	winner, err := winnerEngine.Attest(ctx, "task-1", map[string]any{"who": "winner"}, nil, Identity)
	require.NoError(t, err)

	var calls int32
	loser := NewEngine("n", "1.0.0", signer, &lostRaceStore{ReceiptStore: mem})
	got, err := loser.Attest(ctx, "task-1", map[string]any{"who": "loser"}, nil, countingExecutor(&calls, map[string]any{"who": "loser"}))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls, "loser executed before losing the race")
	assert.Equal(t, winner, got)
}

func TestAttest_ConcurrentCallersAgree(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	const callers = 16
	results := make([]*contracts.Receipt, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Attest(ctx, "shared", map[string]any{"n": i}, nil, Identity)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		require.NotNil(t, r)
		assert.Equal(t, results[0].Signature, r.Signature)
		assert.Equal(t, results[0].InputHash, r.InputHash)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (s *recordingSink) Publish(_ context.Context, r *contracts.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, r.TaskID)
	return s.err
}

func TestAttest_SinksSeeNewReceiptsOnly(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("archive down")}
	e, _, _ := newTestEngine(t, WithSink(ok), WithSink(failing))
	ctx := context.Background()

	_, err := e.Attest(ctx, "task-1", nil, nil, Identity)
	require.NoError(t, err, "sink failure must not fail attest")
	_, err = e.Attest(ctx, "task-1", nil, nil, Identity)
	require.NoError(t, err)

	assert.Equal(t, []string{"task-1"}, ok.seen)
	assert.Equal(t, []string{"task-1"}, failing.seen)
}

type rejectAll struct{}

func (rejectAll) Validate(any, *receipts.RuleSet) (bool, []string) {
	return false, []string{"rejected"}
}

func TestAttest_CustomValidator(t *testing.T) {
	e, _, _ := newTestEngine(t, WithValidator(rejectAll{}))
	r, err := e.Attest(context.Background(), "task-1", nil, nil, Identity)
	require.NoError(t, err)
	assert.False(t, r.ValidatorPassed)
	assert.Equal(t, []string{"rejected"}, r.ValidatorErrors)

	stats, err := e.Stats(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PassedFalse)
}

func TestAttest_RecordsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	obs, err := observability.NewWithMeterProvider(mp)
	require.NoError(t, err)

	e, _, _ := newTestEngine(t, WithObservability(obs))
	ctx := context.Background()
	_, _ = e.Attest(ctx, "task-1", nil, nil, Identity)
	_, _ = e.Attest(ctx, "task-1", nil, nil, Identity)
	_, _ = e.Attest(ctx, "", nil, nil, Identity)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "attestgrid.attest.total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				counts[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		observability.OutcomeCreated:  1,
		observability.OutcomeExisting: 1,
		observability.OutcomeError:    1,
	}, counts)
}
