package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
)

// Publisher writes each newly issued receipt, as canonical JSON, to a Store.
// It satisfies attestation.Sink.
type Publisher struct {
	store  Store
	logger *slog.Logger
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{
		store:  store,
		logger: slog.Default().With("component", "archive"),
	}
}

// Publish archives r and logs its digest.
func (p *Publisher) Publish(ctx context.Context, r *contracts.Receipt) error {
	data, err := canonicalize.JCS(r)
	if err != nil {
		return fmt.Errorf("failed to encode receipt %s: %w", r.TaskID, err)
	}
	digest, err := p.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to archive receipt %s: %w", r.TaskID, err)
	}
	p.logger.InfoContext(ctx, "receipt archived", "task_id", r.TaskID, "digest", digest)
	return nil
}
