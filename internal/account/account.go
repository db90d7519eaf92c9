// Package account keeps payout account status in sync with the payment
// processor's capability notifications.
package account

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/account/config"
	"github.com/iurnickita/artistledger/internal/balance"
	"github.com/iurnickita/artistledger/internal/cache"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/store"
)

// Notification - состояние платежного аккаунта у процессора
type Notification struct {
	AccountRef       string
	DetailsSubmitted bool
	PayoutsEnabled   bool
	DisabledReason   string
}

// DeriveStatus maps processor capabilities to an account status.
func DeriveStatus(n Notification) string {
	switch {
	case n.DetailsSubmitted && n.PayoutsEnabled:
		return model.PayoutAccountStatusActive
	case n.DisabledReason != "":
		return model.PayoutAccountStatusRestricted
	default:
		return model.PayoutAccountStatusPending
	}
}

type Reconciler struct {
	cfg      config.Config
	store    store.Store
	balance  balance.Balance
	accounts *cache.AccountStatusCache
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewReconciler(cfg config.Config, store store.Store, balance balance.Balance, accounts *cache.AccountStatusCache, zaplog *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		balance:  balance,
		accounts: accounts,
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// Connect links a processor account to an owner. The account starts as
// pending until the processor reports its capabilities.
func (r *Reconciler) Connect(ctx context.Context, owner string, accountRef string) (model.PayoutAccount, error) {
	if owner == "" || accountRef == "" {
		return model.PayoutAccount{}, ierr.NewError("owner and account ref are required").
			WithHint("Both owner_id and account_ref must be set").
			Mark(ierr.ErrValidation)
	}
	acc := model.PayoutAccount{
		OwnerID:            owner,
		ExternalAccountRef: accountRef,
		Status:             model.PayoutAccountStatusPending,
		UpdatedAt:          r.now().UTC(),
	}
	if err := r.store.PayoutAccountConnect(ctx, acc); err != nil {
		return model.PayoutAccount{}, err
	}
	r.accounts.Delete(owner)
	r.zaplog.Info("payout account connected",
		zap.String("owner_id", owner),
		zap.String("account_ref", accountRef))
	return acc, nil
}

// Apply overwrites the stored status with the one derived from n. Applying
// the same notification again leaves the same state. An active account gets
// a zero balance row for every band of its owner.
func (r *Reconciler) Apply(ctx context.Context, n Notification) (model.PayoutAccount, error) {
	if n.AccountRef == "" {
		return model.PayoutAccount{}, ierr.NewError("account ref is empty").Mark(ierr.ErrValidation)
	}
	status := DeriveStatus(n)
	acc, err := r.store.PayoutAccountSetStatus(ctx, n.AccountRef, status, r.now().UTC())
	if err != nil {
		return model.PayoutAccount{}, err
	}
	r.accounts.Delete(acc.OwnerID)

	if status == model.PayoutAccountStatusActive {
		if err := r.balance.EnsureForOwner(ctx, acc.OwnerID); err != nil {
			return acc, err
		}
	}
	r.zaplog.Info("payout account status applied",
		zap.String("owner_id", acc.OwnerID),
		zap.String("account_ref", n.AccountRef),
		zap.String("status", status),
		zap.String("disabled_reason", n.DisabledReason))
	return acc, nil
}

// Deauthorize resets the account to not_connected. Unknown refs are ignored,
// the notification may be a repeat of one already applied.
func (r *Reconciler) Deauthorize(ctx context.Context, accountRef string) error {
	if accountRef == "" {
		return ierr.NewError("account ref is empty").Mark(ierr.ErrValidation)
	}
	acc, err := r.store.PayoutAccountDisconnect(ctx, accountRef, r.now().UTC())
	if ierr.IsNotFound(err) {
		r.zaplog.Info("deauthorization for unknown account", zap.String("account_ref", accountRef))
		return nil
	}
	if err != nil {
		return err
	}
	r.accounts.Delete(acc.OwnerID)
	r.zaplog.Info("payout account deauthorized",
		zap.String("owner_id", acc.OwnerID),
		zap.String("account_ref", accountRef))
	return nil
}
