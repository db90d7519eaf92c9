// Package httpgw talks to a plain JSON transfer API. It is used with
// processor sandboxes and for local runs.
package httpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
)

const (
	pathTransfers      = "/transfers"
	headerIdempotency  = "Idempotency-Key"
	TransferStatusPaid = "paid"
)

// JSON запрос на перевод
type TransferRequestJSON struct {
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JSON ответ сервиса переводов
type TransferJSON struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountCents    int64  `json:"amount_cents"`
	Status         string `json:"status"`
	Reversed       bool   `json:"reversed"`
}

type errorJSON struct {
	Message string `json:"message"`
}

type Gateway struct {
	client *resty.Client
}

func New(baseURL string, token string, timeout time.Duration) *Gateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Gateway{client: client}
}

func (g *Gateway) CreateTransfer(ctx context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	setreq := g.client.R().
		SetContext(ctx).
		SetHeader(headerIdempotency, req.IdempotencyKey).
		SetBody(TransferRequestJSON{
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			Destination: req.Destination,
			Metadata:    req.Metadata,
		})
	setresp, err := setreq.Post(pathTransfers)
	if err != nil {
		// ответа нет - результат неизвестен
		return gateway.Transfer{}, ierr.WithError(err).
			WithMessage("transfer request").
			Mark(ierr.ErrGateway)
	}

	switch code := setresp.StatusCode(); {
	case code == http.StatusOK || code == http.StatusCreated:
		return decodeTransfer(setresp.Body())
	case code == http.StatusConflict || code == http.StatusTooManyRequests:
		return gateway.Transfer{}, ierr.NewErrorf("transfer request status: %d", code).
			Mark(ierr.ErrGateway)
	case code >= 400 && code < 500:
		var e errorJSON
		_ = json.Unmarshal(setresp.Body(), &e)
		return gateway.Transfer{}, ierr.NewErrorf("transfer request status: %d", code).
			WithHint(e.Message).
			Mark(ierr.ErrGatewayRejected)
	default:
		return gateway.Transfer{}, ierr.NewErrorf("transfer request status: %d", code).
			Mark(ierr.ErrGateway)
	}
}

func (g *Gateway) LookupTransfer(ctx context.Context, idempotencyKey string) (gateway.Transfer, error) {
	setresp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("idempotency_key", idempotencyKey).
		Get(pathTransfers)
	if err != nil {
		return gateway.Transfer{}, ierr.WithError(err).
			WithMessage("transfer lookup").
			Mark(ierr.ErrGateway)
	}

	switch setresp.StatusCode() {
	case http.StatusOK:
		return decodeTransfer(setresp.Body())
	case http.StatusNotFound:
		return gateway.Transfer{}, ierr.NewErrorf("no transfer for key %s", idempotencyKey).
			Mark(ierr.ErrNotFound)
	default:
		return gateway.Transfer{}, ierr.NewErrorf("transfer lookup status: %d", setresp.StatusCode()).
			Mark(ierr.ErrGateway)
	}
}

func decodeTransfer(body []byte) (gateway.Transfer, error) {
	var tr TransferJSON
	if err := json.Unmarshal(body, &tr); err != nil {
		return gateway.Transfer{}, ierr.WithError(err).
			WithMessage("decode transfer").
			Mark(ierr.ErrGateway)
	}
	if tr.ID == "" {
		return gateway.Transfer{}, ierr.WithError(fmt.Errorf("transfer without id")).
			Mark(ierr.ErrGateway)
	}
	return gateway.Transfer{Ref: tr.ID, AmountCents: tr.AmountCents, Reversed: tr.Reversed}, nil
}
