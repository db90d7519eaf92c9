// Package gateway describes the external transfer API used to pay artists.
package gateway

import "context"

type TransferRequest struct {
	// Ключ идемпотентности: id первой выплаты группы
	IdempotencyKey string
	Destination    string
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
}

type Transfer struct {
	Ref         string
	AmountCents int64
	Reversed    bool
}

// Gateway creates transfers to connected payout accounts.
//
// CreateTransfer errors are marked ierr.ErrGatewayRejected when the gateway
// definitely did not move money, and ierr.ErrGateway when the outcome is
// unknown (timeouts, 5xx, transport errors).
//
// LookupTransfer returns ierr.ErrNotFound when no transfer was ever created
// with the key.
type Gateway interface {
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	LookupTransfer(ctx context.Context, idempotencyKey string) (Transfer, error)
}
