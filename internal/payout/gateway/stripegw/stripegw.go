// Package stripegw sends payouts as Stripe Connect transfers.
package stripegw

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
)

type Gateway struct {
	client *stripe.Client
	zaplog *zap.Logger
}

func New(secretKey string, zaplog *zap.Logger) *Gateway {
	return &Gateway{
		client: stripe.NewClient(secretKey, nil),
		zaplog: zaplog,
	}
}

// CreateTransfer creates the transfer with the idempotency key and also uses
// the key as the transfer group, so LookupTransfer can find it later.
func (g *Gateway) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	params := &stripe.TransferCreateParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.IdempotencyKey),
		Metadata:      req.Metadata,
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := g.client.V1Transfers.Create(ctx, params)
	if err != nil {
		g.zaplog.Warn("stripe transfer failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("destination", req.Destination),
			zap.Int64("amount_cents", req.AmountCents),
			zap.Error(err))
		return gateway.Transfer{}, Classify(err)
	}
	return gateway.Transfer{Ref: tr.ID, AmountCents: tr.Amount, Reversed: tr.Reversed}, nil
}

func (g *Gateway) LookupTransfer(ctx context.Context, idempotencyKey string) (gateway.Transfer, error) {
	params := &stripe.TransferListParams{
		TransferGroup: stripe.String(idempotencyKey),
	}
	for tr, err := range g.client.V1Transfers.List(ctx, params) {
		if err != nil {
			return gateway.Transfer{}, ierr.WithError(err).
				WithMessage("list stripe transfers").
				Mark(ierr.ErrGateway)
		}
		return gateway.Transfer{Ref: tr.ID, AmountCents: tr.Amount, Reversed: tr.Reversed}, nil
	}
	return gateway.Transfer{}, ierr.NewErrorf("no stripe transfer in group %s", idempotencyKey).
		Mark(ierr.ErrNotFound)
}

// Classify maps a Stripe API error to the gateway error taxonomy. Request
// errors that Stripe answered with a 4xx did not create a transfer; 409
// (idempotency in flight), 429 and everything else leave the outcome unknown.
func Classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusForbidden, http.StatusNotFound:
			return ierr.WithError(err).
				WithHint(stripeErr.Msg).
				WithDetails(map[string]any{
					"stripe_error_code": stripeErr.Code,
					"stripe_error_type": stripeErr.Type,
				}).
				Mark(ierr.ErrGatewayRejected)
		}
	}
	return ierr.WithError(err).
		WithMessage("stripe transfer outcome unknown").
		Mark(ierr.ErrGateway)
}
