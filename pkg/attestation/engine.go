// Package attestation turns a task execution into a signed, stored receipt.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
	"github.com/Mindburn-Labs/attestgrid/pkg/observability"
	"github.com/Mindburn-Labs/attestgrid/pkg/receipts"
	"github.com/Mindburn-Labs/attestgrid/pkg/store"
)

// ErrEmptyTaskID is returned when Attest is called without a task id.
var ErrEmptyTaskID = errors.New("attestation: empty task id")

// Executor runs the unit of work being attested. Errors it returns are
// passed back to the Attest caller untouched and no receipt is written.
type Executor interface {
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, input map[string]any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// Identity returns its input as the result.
var Identity = ExecutorFunc(func(_ context.Context, input map[string]any) (any, error) {
	return input, nil
})

// Validator checks a result against parsed rules.
type Validator interface {
	Validate(result any, rules *receipts.RuleSet) (passed bool, errs []string)
}

// Sink is notified after a new receipt has been stored. Sink errors are
// logged and never change the Attest result.
type Sink interface {
	Publish(ctx context.Context, r *contracts.Receipt) error
}

// Engine issues receipts for a single node.
type Engine struct {
	nodeID       string
	logicVersion string
	signer       crypto.Signer
	store        store.ReceiptStore
	validator    Validator
	sinks        []Sink
	obs          *observability.Provider
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator replaces the default receipts.RuleValidator.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithSink adds a post-store notification target.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithObservability records spans and metrics through p.
func WithObservability(p *observability.Provider) Option {
	return func(e *Engine) {
		if p != nil {
			e.obs = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "attestation") }
}

func NewEngine(nodeID, logicVersion string, signer crypto.Signer, st store.ReceiptStore, opts ...Option) *Engine {
	e := &Engine{
		nodeID:       nodeID,
		logicVersion: logicVersion,
		signer:       signer,
		store:        st,
		validator:    receipts.RuleValidator{},
		obs:          &observability.Provider{},
		logger:       slog.Default().With("component", "attestation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) NodeID() string       { return e.nodeID }
func (e *Engine) LogicVersion() string { return e.logicVersion }
func (e *Engine) PublicKey() string    { return e.signer.PublicKey() }

// Attest returns the receipt for taskID, executing work only if no receipt
// exists yet. A receipt, once stored, is returned unchanged by every later
// call regardless of the input, rules or work passed.
func (e *Engine) Attest(ctx context.Context, taskID string, input, rules map[string]any, work Executor) (r *contracts.Receipt, err error) {
	start := time.Now()
	outcome := observability.OutcomeCreated
	ctx, span := e.obs.StartSpan(ctx, "attestation.Attest")
	span.SetAttributes(attribute.String("task_id", taskID))
	defer func() {
		if err != nil {
			outcome = observability.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		e.obs.RecordAttest(ctx, outcome, time.Since(start))
	}()

	if taskID == "" {
		return nil, ErrEmptyTaskID
	}

	// Fast path. The store's uniqueness constraint is what actually decides
	// the winner; see the duplicate handling below.
	existing, err := e.store.Get(ctx, taskID)
	switch {
	case err == nil:
		outcome = observability.OutcomeExisting
		return existing, nil
	case !errors.Is(err, store.ErrReceiptNotFound):
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}

	ruleSet, err := receipts.ParseRules(rules)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}

	raw, err := work.Execute(ctx, input)
	if err != nil {
		return nil, err
	}

	draft, err := e.build(taskID, input, ruleSet, raw)
	if err != nil {
		return nil, err
	}

	if err := e.store.Put(ctx, draft); err != nil {
		if !errors.Is(err, store.ErrDuplicateTaskID) {
			return nil, fmt.Errorf("failed to store receipt: %w", err)
		}
		winner, gerr := e.store.Get(ctx, taskID)
		if gerr != nil {
			return nil, fmt.Errorf("failed to read concurrent receipt: %w", gerr)
		}
		e.logger.InfoContext(ctx, "lost concurrent attest, returning stored receipt", "task_id", taskID)
		outcome = observability.OutcomeRaced
		return winner, nil
	}

	stored, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored receipt: %w", err)
	}

	e.logger.InfoContext(ctx, "receipt issued",
		"task_id", taskID,
		"validator_passed", stored.ValidatorPassed,
		"output_hash", stored.OutputHash,
	)
	e.publish(ctx, stored)
	return stored, nil
}

// build validates, hashes and signs a result into an unsaved receipt.
func (e *Engine) build(taskID string, input map[string]any, rules *receipts.RuleSet, raw any) (*contracts.Receipt, error) {
	result, err := canonicalize.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("task result: %w", err)
	}
	resultText, err := canonicalize.JCSString(result)
	if err != nil {
		return nil, fmt.Errorf("task result: %w", err)
	}

	passed, errs := e.validator.Validate(result, rules)
	if errs == nil {
		errs = []string{}
	}

	inputHash, err := canonicalize.CanonicalHash(input)
	if err != nil {
		return nil, fmt.Errorf("task input: %w", err)
	}
	rulesHash, err := canonicalize.CanonicalHash(rules.Doc)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	r := &contracts.Receipt{
		TaskID:          taskID,
		NodeID:          e.nodeID,
		LogicVersion:    e.logicVersion,
		InputHash:       inputHash,
		RulesHash:       rulesHash,
		OutputHash:      canonicalize.HashBytes([]byte(resultText)),
		ValidatorPassed: passed,
		ValidatorErrors: errs,
		Result:          resultText,
	}

	payload, err := canonicalize.JCSString(r.Payload())
	if err != nil {
		return nil, fmt.Errorf("signature payload: %w", err)
	}
	sig, err := e.signer.Sign([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	r.SigPayload = payload
	r.Signature = sig
	return r, nil
}

func (e *Engine) publish(ctx context.Context, r *contracts.Receipt) {
	for _, s := range e.sinks {
		if err := s.Publish(ctx, r); err != nil {
			e.logger.WarnContext(ctx, "receipt sink failed", "task_id", r.TaskID, "error", err)
		}
	}
}

// Stats returns the transparency aggregate over stored receipts.
func (e *Engine) Stats(ctx context.Context, sampleLimit int) (*contracts.AggregateStats, error) {
	return e.store.Aggregate(ctx, sampleLimit)
}

// Receipt returns the stored receipt for taskID.
func (e *Engine) Receipt(ctx context.Context, taskID string) (*contracts.Receipt, error) {
	return e.store.Get(ctx, taskID)
}
