package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otakuflix/billing/pkg/pg"
)

// querier is the subset of pgxpool.Pool and pgx.Tx the stores need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on top of a pgx pool. WithinTx scopes
// a copy of the store to a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

func (s *PostgresStore) Sessions() SessionStore           { return &pgSessionStore{s.q} }
func (s *PostgresStore) Subscriptions() SubscriptionStore { return &pgSubscriptionStore{s.q} }
func (s *PostgresStore) Payments() PaymentStore           { return &pgPaymentStore{s.q} }

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		// already transaction-scoped
		return fn(s)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&PostgresStore{q: tx})
	})
	if err != nil && !isDomainError(err) {
		return storeErr(err)
	}
	return err
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrSessionNotFound, ErrSessionExpired, ErrSessionLinkConflict, ErrDuplicateSession,
		ErrSubscriptionNotFound, ErrSubscriptionCanceled, ErrDuplicateSubscription,
		ErrPaymentNotFound, ErrDuplicatePayment, ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func storeErr(err error) error {
	return errors.Join(ErrStoreUnavailable, err)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type pgSessionStore struct{ q querier }

const sessionColumns = `id, gateway_id, provider, user_id, status, payment_state, mode,
	price_id, plan_type, subscription_id, snapshot, created_at, expires_at, completed_at`

func scanSession(row pgx.Row) (*CheckoutSession, error) {
	var s CheckoutSession
	err := row.Scan(&s.ID, &s.GatewayID, &s.Provider, &s.UserID, &s.Status, &s.PaymentState,
		&s.Mode, &s.PriceID, &s.PlanType, &s.SubscriptionID, &s.Snapshot,
		&s.CreatedAt, &s.ExpiresAt, &s.CompletedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSessionNotFound
		}
		return nil, storeErr(err)
	}
	return &s, nil
}

func (s *pgSessionStore) Record(ctx context.Context, sess *CheckoutSession) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO checkout_sessions (id, gateway_id, provider, user_id, status, payment_state,
			mode, price_id, plan_type, snapshot, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.GatewayID, sess.Provider, sess.UserID, sess.Status, sess.PaymentState,
		sess.Mode, sess.PriceID, sess.PlanType, sess.Snapshot, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateSession
		}
		return storeErr(err)
	}
	return nil
}

func (s *pgSessionStore) GetByGatewayID(ctx context.Context, gatewayID string) (*CheckoutSession, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE gateway_id = $1`, gatewayID)
	return scanSession(row)
}

func (s *pgSessionStore) Complete(ctx context.Context, gatewayID string, snapshot json.RawMessage, at time.Time) (*CheckoutSession, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM checkout_sessions WHERE gateway_id = $1 FOR UPDATE`, gatewayID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case SessionComplete:
		return sess, nil
	case SessionExpired:
		return nil, ErrSessionExpired
	}
	row = s.q.QueryRow(ctx, `
		UPDATE checkout_sessions
		SET status = $2, payment_state = $3, snapshot = $4, completed_at = $5
		WHERE gateway_id = $1
		RETURNING `+sessionColumns,
		gatewayID, SessionComplete, PaymentStatePaid, snapshot, at)
	return scanSession(row)
}

func (s *pgSessionStore) LinkSubscription(ctx context.Context, sessionID, subscriptionID uuid.UUID) error {
	row := s.q.QueryRow(ctx,
		`SELECT subscription_id FROM checkout_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	var linked *uuid.UUID
	if err := row.Scan(&linked); err != nil {
		if pg.IsNotFoundError(err) {
			return ErrSessionNotFound
		}
		return storeErr(err)
	}
	if linked != nil {
		if *linked == subscriptionID {
			return nil
		}
		return ErrSessionLinkConflict
	}
	_, err := s.q.Exec(ctx,
		`UPDATE checkout_sessions SET subscription_id = $2 WHERE id = $1`, sessionID, subscriptionID)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *pgSessionStore) MarkExpired(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.q.Exec(ctx,
		`UPDATE checkout_sessions SET status = $2 WHERE id = $1 AND status = $3`,
		sessionID, SessionExpired, SessionOpen)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *pgSessionStore) FindExpiredOpen(ctx context.Context, now time.Time) ([]*CheckoutSession, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+sessionColumns+` FROM checkout_sessions
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at`, SessionOpen, now)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*CheckoutSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

type pgSubscriptionStore struct{ q querier }

const subscriptionColumns = `id, user_id, plan_type, status, provider, external_id,
	current_period_start, current_period_end, past_due_since, canceled_at, snapshot,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var externalID *string
	err := row.Scan(&s.ID, &s.UserID, &s.PlanType, &s.Status, &s.Provider, &externalID,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.PastDueSince, &s.CanceledAt,
		&s.Snapshot, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, storeErr(err)
	}
	s.ExternalID = strOrEmpty(externalID)
	return &s, nil
}

func (s *pgSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_type, status, provider, external_id,
			current_period_start, current_period_end, past_due_since, canceled_at, snapshot,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.UserID, sub.PlanType, sub.Status, sub.Provider, nullStr(sub.ExternalID),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.PastDueSince, sub.CanceledAt,
		sub.Snapshot, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateSubscription
		}
		return storeErr(err)
	}
	return nil
}

func (s *pgSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions
		SET plan_type = $2, status = $3, external_id = $4, current_period_start = $5,
			current_period_end = $6, past_due_since = $7, canceled_at = $8, snapshot = $9,
			updated_at = $10
		WHERE id = $1`,
		sub.ID, sub.PlanType, sub.Status, nullStr(sub.ExternalID), sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.PastDueSince, sub.CanceledAt, sub.Snapshot, sub.UpdatedAt)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *pgSubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *pgSubscriptionStore) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID)
	return scanSubscription(row)
}

func (s *pgSubscriptionStore) GetGoverning(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status <> $2`, userID, StatusCanceled)
	return scanSubscription(row)
}

type pgPaymentStore struct{ q querier }

const paymentColumns = `id, subscription_id, amount, currency, status, provider, external_id,
	paid_at, due_at, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var externalID *string
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.Amount, &p.Currency, &p.Status, &p.Provider,
		&externalID, &p.PaidAt, &p.DueAt, &p.CreatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrPaymentNotFound
		}
		return nil, storeErr(err)
	}
	p.ExternalID = strOrEmpty(externalID)
	return &p, nil
}

func (s *pgPaymentStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO payments (id, subscription_id, amount, currency, status, provider,
			external_id, paid_at, due_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.SubscriptionID, p.Amount, p.Currency, p.Status, p.Provider,
		nullStr(p.ExternalID), p.PaidAt, p.DueAt, p.CreatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicatePayment
		}
		return storeErr(err)
	}
	return nil
}

func (s *pgPaymentStore) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	row := s.q.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_id = $1`, externalID)
	return scanPayment(row)
}

func (s *pgPaymentStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE subscription_id = $1 ORDER BY created_at`,
		subscriptionID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}
