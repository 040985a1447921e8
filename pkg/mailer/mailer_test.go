package mailer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/billing"
	"github.com/otakuflix/billing/pkg/mailer"
	"github.com/otakuflix/billing/pkg/plan"
)

func TestNewPostmarkSenderValidation(t *testing.T) {
	t.Parallel()

	valid := mailer.Config{
		PostmarkServerToken:  "server-token",
		PostmarkAccountToken: "account-token",
		SenderEmail:          "billing@otakuflix.example",
		SupportEmail:         "support@otakuflix.example",
	}

	tests := []struct {
		name   string
		mutate func(*mailer.Config)
	}{
		{name: "missing server token", mutate: func(c *mailer.Config) { c.PostmarkServerToken = "" }},
		{name: "missing account token", mutate: func(c *mailer.Config) { c.PostmarkAccountToken = "" }},
		{name: "invalid sender email", mutate: func(c *mailer.Config) { c.SenderEmail = "not-an-email" }},
		{name: "invalid support email", mutate: func(c *mailer.Config) { c.SupportEmail = "" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			_, err := mailer.NewPostmarkSender(cfg)
			assert.ErrorIs(t, err, mailer.ErrInvalidConfig)
		})
	}

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		s, err := mailer.NewPostmarkSender(valid)
		require.NoError(t, err)
		assert.NotNil(t, s)
	})
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	msg := mailer.Message{To: "fan@example.com", Subject: "hi", BodyHTML: "<p>hi</p>"}
	assert.NoError(t, msg.Validate())

	bad := msg
	bad.To = "nope"
	assert.ErrorIs(t, bad.Validate(), mailer.ErrInvalidMessage)

	bad = msg
	bad.Subject = ""
	assert.ErrorIs(t, bad.Validate(), mailer.ErrInvalidMessage)
}

type capturingSender struct {
	messages []mailer.Message
}

func (s *capturingSender) Send(_ context.Context, msg mailer.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

func TestBillingNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	userID := uuid.New()
	pastDue := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sub := &billing.Subscription{
		ID:           uuid.New(),
		UserID:       userID,
		PlanType:     plan.TypeFan,
		Status:       billing.StatusPastDue,
		PastDueSince: &pastDue,
	}

	t.Run("payment failed email", func(t *testing.T) {
		t.Parallel()
		sender := &capturingSender{}
		n := mailer.NewBillingNotifier(sender, func(context.Context, uuid.UUID) (string, error) {
			return "fan@example.com", nil
		})

		require.NoError(t, n.PaymentFailed(ctx, userID, sub))
		require.Len(t, sender.messages, 1)
		msg := sender.messages[0]
		assert.Equal(t, "fan@example.com", msg.To)
		assert.Equal(t, "billing-payment-failed", msg.Tag)
		assert.Contains(t, msg.BodyHTML, "fan")
		assert.Contains(t, msg.BodyHTML, "June 8, 2025")
	})

	t.Run("cancellation email", func(t *testing.T) {
		t.Parallel()
		sender := &capturingSender{}
		n := mailer.NewBillingNotifier(sender, func(context.Context, uuid.UUID) (string, error) {
			return "fan@example.com", nil
		})

		canceledAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
		canceled := *sub
		canceled.Status = billing.StatusCanceled
		canceled.CanceledAt = &canceledAt
		require.NoError(t, n.SubscriptionCanceled(ctx, userID, &canceled))
		require.Len(t, sender.messages, 1)
		assert.Equal(t, "billing-subscription-canceled", sender.messages[0].Tag)
		assert.Contains(t, sender.messages[0].BodyHTML, "July 1, 2025")
	})

	t.Run("lookup failure propagates", func(t *testing.T) {
		t.Parallel()
		sender := &capturingSender{}
		n := mailer.NewBillingNotifier(sender, func(context.Context, uuid.UUID) (string, error) {
			return "", errors.New("directory down")
		})
		assert.Error(t, n.PaymentFailed(ctx, userID, sub))
		assert.Empty(t, sender.messages)
	})
}
