package credit

import (
	"context"
	"log/slog"

	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

type PendingDebits interface {
	ListPendingDebits(ctx context.Context, limit int) ([]repo.PendingDebit, error)
	MarkDebited(ctx context.Context, id string) error
}

// Reconciler applies debits of sent messages that were persisted but not
// confirmed by the meter.
type Reconciler struct {
	pending PendingDebits
	meter   Meter
	batch   int
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewReconciler(pending PendingDebits, meter Meter, batch int, m *metrics.Metrics, l *slog.Logger) *Reconciler {
	if batch <= 0 {
		batch = 100
	}
	if l == nil {
		l = slog.Default()
	}
	return &Reconciler{pending: pending, meter: meter, batch: batch, metrics: m, log: l.With("component", "reconciler")}
}

// Run settles one batch and returns how many debits were applied.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	items, err := r.pending.ListPendingDebits(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range items {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		err := r.meter.Debit(ctx, p.OwnerID, p.Amount, p.MessageID)
		if err == nil {
			err = r.pending.MarkDebited(ctx, p.MessageID)
		}
		r.metrics.DebitReconciled(err)
		if err != nil {
			r.log.Warn("reconcile debit failed", "message_id", p.MessageID, "owner_id", p.OwnerID, "error", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		r.log.Info("pending debits reconciled", "settled", settled, "batch", len(items))
	}
	return settled, nil
}

// Tick runs one batch, logging failures. It fits a scheduler tick.
func (r *Reconciler) Tick(ctx context.Context) {
	if _, err := r.Run(ctx); err != nil {
		r.log.Error("reconcile debits failed", "error", err)
	}
}
