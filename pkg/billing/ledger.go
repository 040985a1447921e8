package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger records settlement attempts. Records are idempotent on the
// external settlement id: the database unique constraint, not any
// cache, is the authority on whether a payment was seen before.
type Ledger struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

type LedgerOption func(*Ledger)

func WithLedgerLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) withStore(store Store) *Ledger {
	c := *l
	c.store = store
	return &c
}

// Record inserts the payment, returning the stored row and whether it
// was created by this call. A payment whose external id already exists
// resolves to the existing row with created=false.
func (l *Ledger) Record(ctx context.Context, p *Payment) (*Payment, bool, error) {
	if p.ExternalID != "" {
		existing, err := l.store.Payments().GetByExternalID(ctx, p.ExternalID)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, ErrPaymentNotFound):
			return nil, false, err
		}
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	if err := l.store.Payments().Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicatePayment) && p.ExternalID != "" {
			// raced with a concurrent delivery; the constraint decided
			existing, gerr := l.store.Payments().GetByExternalID(ctx, p.ExternalID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	l.log.InfoContext(ctx, "payment recorded",
		slog.String("payment_id", p.ID.String()),
		slog.String("external_id", p.ExternalID),
		slog.String("status", string(p.Status)),
		slog.Int64("amount", p.Amount))
	return p, true, nil
}
