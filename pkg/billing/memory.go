package billing

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and local
// development. WithinTx snapshots the whole dataset and restores it
// when fn fails, so rollback behaves like the real store.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	sessions           map[uuid.UUID]CheckoutSession
	sessionsByGateway  map[string]uuid.UUID
	subscriptions      map[uuid.UUID]Subscription
	subsByExternal     map[string]uuid.UUID
	payments           map[uuid.UUID]Payment
	paymentsByExternal map[string]uuid.UUID
}

func newMemData() *memData {
	return &memData{
		sessions:           make(map[uuid.UUID]CheckoutSession),
		sessionsByGateway:  make(map[string]uuid.UUID),
		subscriptions:      make(map[uuid.UUID]Subscription),
		subsByExternal:     make(map[string]uuid.UUID),
		payments:           make(map[uuid.UUID]Payment),
		paymentsByExternal: make(map[string]uuid.UUID),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.sessionsByGateway {
		c.sessionsByGateway[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.subsByExternal {
		c.subsByExternal[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.paymentsByExternal {
		c.paymentsByExternal[k] = v
	}
	return c
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) Sessions() SessionStore           { return (*memSessionStore)(s) }
func (s *MemoryStore) Subscriptions() SubscriptionStore { return (*memSubscriptionStore)(s) }
func (s *MemoryStore) Payments() PaymentStore           { return (*memPaymentStore)(s) }

func (s *MemoryStore) WithinTx(_ context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn((*memTxStore)(s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// memTxStore is a MemoryStore view whose operations assume the mutex
// is already held by WithinTx.
type memTxStore MemoryStore

func (s *memTxStore) Sessions() SessionStore {
	return &memTxSessionStore{(*memSessionStore)(s)}
}

func (s *memTxStore) Subscriptions() SubscriptionStore {
	return &memTxSubscriptionStore{(*memSubscriptionStore)(s)}
}

func (s *memTxStore) Payments() PaymentStore {
	return &memTxPaymentStore{(*memPaymentStore)(s)}
}

func (s *memTxStore) WithinTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

type memSessionStore MemoryStore

func (s *memSessionStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memSessionStore) record(sess *CheckoutSession) error {
	if _, ok := s.data.sessionsByGateway[sess.GatewayID]; ok {
		return ErrDuplicateSession
	}
	s.data.sessions[sess.ID] = *sess
	s.data.sessionsByGateway[sess.GatewayID] = sess.ID
	return nil
}

func (s *memSessionStore) getByGatewayID(gatewayID string) (*CheckoutSession, error) {
	id, ok := s.data.sessionsByGateway[gatewayID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := s.data.sessions[id]
	return &sess, nil
}

func (s *memSessionStore) complete(gatewayID string, snapshot json.RawMessage, at time.Time) (*CheckoutSession, error) {
	sess, err := s.getByGatewayID(gatewayID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case SessionComplete:
		return sess, nil
	case SessionExpired:
		return nil, ErrSessionExpired
	}
	sess.Status = SessionComplete
	sess.PaymentState = PaymentStatePaid
	sess.Snapshot = snapshot
	completedAt := at
	sess.CompletedAt = &completedAt
	s.data.sessions[sess.ID] = *sess
	return sess, nil
}

func (s *memSessionStore) linkSubscription(sessionID, subscriptionID uuid.UUID) error {
	sess, ok := s.data.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.SubscriptionID != nil {
		if *sess.SubscriptionID == subscriptionID {
			return nil
		}
		return ErrSessionLinkConflict
	}
	sess.SubscriptionID = &subscriptionID
	s.data.sessions[sessionID] = sess
	return nil
}

func (s *memSessionStore) markExpired(sessionID uuid.UUID) error {
	sess, ok := s.data.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != SessionOpen {
		return nil
	}
	sess.Status = SessionExpired
	s.data.sessions[sessionID] = sess
	return nil
}

func (s *memSessionStore) findExpiredOpen(now time.Time) ([]*CheckoutSession, error) {
	var out []*CheckoutSession
	for _, sess := range s.data.sessions {
		if sess.Status == SessionOpen && sess.ExpiresAt.Before(now) {
			sess := sess
			out = append(out, &sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *memSessionStore) Record(_ context.Context, sess *CheckoutSession) error {
	defer s.lock()()
	return s.record(sess)
}

func (s *memSessionStore) GetByGatewayID(_ context.Context, gatewayID string) (*CheckoutSession, error) {
	defer s.lock()()
	return s.getByGatewayID(gatewayID)
}

func (s *memSessionStore) Complete(_ context.Context, gatewayID string, snapshot json.RawMessage, at time.Time) (*CheckoutSession, error) {
	defer s.lock()()
	return s.complete(gatewayID, snapshot, at)
}

func (s *memSessionStore) LinkSubscription(_ context.Context, sessionID, subscriptionID uuid.UUID) error {
	defer s.lock()()
	return s.linkSubscription(sessionID, subscriptionID)
}

func (s *memSessionStore) MarkExpired(_ context.Context, sessionID uuid.UUID) error {
	defer s.lock()()
	return s.markExpired(sessionID)
}

func (s *memSessionStore) FindExpiredOpen(_ context.Context, now time.Time) ([]*CheckoutSession, error) {
	defer s.lock()()
	return s.findExpiredOpen(now)
}

type memTxSessionStore struct{ s *memSessionStore }

func (t *memTxSessionStore) Record(_ context.Context, sess *CheckoutSession) error {
	return t.s.record(sess)
}

func (t *memTxSessionStore) GetByGatewayID(_ context.Context, gatewayID string) (*CheckoutSession, error) {
	return t.s.getByGatewayID(gatewayID)
}

func (t *memTxSessionStore) Complete(_ context.Context, gatewayID string, snapshot json.RawMessage, at time.Time) (*CheckoutSession, error) {
	return t.s.complete(gatewayID, snapshot, at)
}

func (t *memTxSessionStore) LinkSubscription(_ context.Context, sessionID, subscriptionID uuid.UUID) error {
	return t.s.linkSubscription(sessionID, subscriptionID)
}

func (t *memTxSessionStore) MarkExpired(_ context.Context, sessionID uuid.UUID) error {
	return t.s.markExpired(sessionID)
}

func (t *memTxSessionStore) FindExpiredOpen(_ context.Context, now time.Time) ([]*CheckoutSession, error) {
	return t.s.findExpiredOpen(now)
}

type memSubscriptionStore MemoryStore

func (s *memSubscriptionStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memSubscriptionStore) create(sub *Subscription) error {
	if sub.ExternalID != "" {
		if _, ok := s.data.subsByExternal[sub.ExternalID]; ok {
			return ErrDuplicateSubscription
		}
	}
	s.data.subscriptions[sub.ID] = *sub
	if sub.ExternalID != "" {
		s.data.subsByExternal[sub.ExternalID] = sub.ID
	}
	return nil
}

func (s *memSubscriptionStore) update(sub *Subscription) error {
	if _, ok := s.data.subscriptions[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	s.data.subscriptions[sub.ID] = *sub
	return nil
}

func (s *memSubscriptionStore) getByID(id uuid.UUID) (*Subscription, error) {
	sub, ok := s.data.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (s *memSubscriptionStore) getByExternalID(externalID string) (*Subscription, error) {
	id, ok := s.data.subsByExternal[externalID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub := s.data.subscriptions[id]
	return &sub, nil
}

func (s *memSubscriptionStore) getGoverning(userID uuid.UUID) (*Subscription, error) {
	for _, sub := range s.data.subscriptions {
		if sub.UserID == userID && sub.IsGoverning() {
			sub := sub
			return &sub, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *memSubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	defer s.lock()()
	return s.create(sub)
}

func (s *memSubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	defer s.lock()()
	return s.update(sub)
}

func (s *memSubscriptionStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	defer s.lock()()
	return s.getByID(id)
}

func (s *memSubscriptionStore) GetByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	defer s.lock()()
	return s.getByExternalID(externalID)
}

func (s *memSubscriptionStore) GetGoverning(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	defer s.lock()()
	return s.getGoverning(userID)
}

type memTxSubscriptionStore struct{ s *memSubscriptionStore }

func (t *memTxSubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	return t.s.create(sub)
}

func (t *memTxSubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	return t.s.update(sub)
}

func (t *memTxSubscriptionStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	return t.s.getByID(id)
}

func (t *memTxSubscriptionStore) GetByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	return t.s.getByExternalID(externalID)
}

func (t *memTxSubscriptionStore) GetGoverning(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	return t.s.getGoverning(userID)
}

type memPaymentStore MemoryStore

func (s *memPaymentStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memPaymentStore) create(p *Payment) error {
	if p.ExternalID != "" {
		if _, ok := s.data.paymentsByExternal[p.ExternalID]; ok {
			return ErrDuplicatePayment
		}
	}
	s.data.payments[p.ID] = *p
	if p.ExternalID != "" {
		s.data.paymentsByExternal[p.ExternalID] = p.ID
	}
	return nil
}

func (s *memPaymentStore) getByExternalID(externalID string) (*Payment, error) {
	id, ok := s.data.paymentsByExternal[externalID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := s.data.payments[id]
	return &p, nil
}

func (s *memPaymentStore) listBySubscription(subscriptionID uuid.UUID) ([]*Payment, error) {
	var out []*Payment
	for _, p := range s.data.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memPaymentStore) Create(_ context.Context, p *Payment) error {
	defer s.lock()()
	return s.create(p)
}

func (s *memPaymentStore) GetByExternalID(_ context.Context, externalID string) (*Payment, error) {
	defer s.lock()()
	return s.getByExternalID(externalID)
}

func (s *memPaymentStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	defer s.lock()()
	return s.listBySubscription(subscriptionID)
}

type memTxPaymentStore struct{ s *memPaymentStore }

func (t *memTxPaymentStore) Create(_ context.Context, p *Payment) error {
	return t.s.create(p)
}

func (t *memTxPaymentStore) GetByExternalID(_ context.Context, externalID string) (*Payment, error) {
	return t.s.getByExternalID(externalID)
}

func (t *memTxPaymentStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	return t.s.listBySubscription(subscriptionID)
}
