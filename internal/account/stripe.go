package account

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	ierr "github.com/iurnickita/artistledger/internal/errors"
)

// Типы событий Stripe Connect
const (
	EventAccountUpdated      = "account.updated"
	EventAccountDeauthorized = "account.application.deauthorized"
)

// HandleStripeEvent verifies a Stripe webhook and applies the account events
// it carries. Other event types are acknowledged and skipped, as are events
// for accounts this ledger does not know.
func (r *Reconciler) HandleStripeEvent(ctx context.Context, payload []byte, signature string) error {
	if r.cfg.StripeWebhookSecret == "" {
		return ierr.NewError("stripe webhook secret is not configured").
			Mark(ierr.ErrPermissionDenied)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, r.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return ierr.WithError(err).
			WithHint("Invalid webhook signature").
			Mark(ierr.ErrPermissionDenied)
	}

	r.zaplog.Debug("stripe event received",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))

	switch string(event.Type) {
	case EventAccountUpdated:
		n, err := NotificationFromEvent(event)
		if err != nil {
			return err
		}
		_, err = r.Apply(ctx, n)
		if ierr.IsNotFound(err) {
			r.zaplog.Info("status for unknown account skipped",
				zap.String("event_id", event.ID),
				zap.String("account_ref", n.AccountRef))
			return nil
		}
		return err
	case EventAccountDeauthorized:
		ref := event.Account
		if ref == "" {
			return ierr.NewError("deauthorization event without account").Mark(ierr.ErrValidation)
		}
		return r.Deauthorize(ctx, ref)
	default:
		r.zaplog.Debug("stripe event skipped", zap.String("event_type", string(event.Type)))
		return nil
	}
}

// NotificationFromEvent reads the account capabilities of an account.updated
// event.
func NotificationFromEvent(event stripe.Event) (Notification, error) {
	if event.Data == nil {
		return Notification{}, ierr.NewError("event has no data").Mark(ierr.ErrValidation)
	}
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return Notification{}, ierr.WithError(err).
			WithHint("Failed to parse account from webhook").
			Mark(ierr.ErrValidation)
	}
	n := Notification{
		AccountRef:       acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}
	if acct.Requirements != nil {
		n.DisabledReason = string(acct.Requirements.DisabledReason)
	}
	return n, nil
}
