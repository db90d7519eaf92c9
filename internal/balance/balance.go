package balance

import (
	"context"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/store"
	"go.uber.org/zap"
)

// Balance - чтение баланса артиста.
// Изменяется баланс только журналом начислений и выплатами в store.
type Balance interface {
	Get(ctx context.Context, band string) (model.ArtistBalance, error)
	EnsureForOwner(ctx context.Context, owner string) error
}

type balance struct {
	store  store.Store
	zaplog *zap.Logger
}

func NewBalance(store store.Store, zaplog *zap.Logger) Balance {
	balance := balance{store: store, zaplog: zaplog}
	return &balance
}

func (balance *balance) Get(ctx context.Context, band string) (model.ArtistBalance, error) {
	if band == "" {
		return model.ArtistBalance{}, ierr.NewError("band id is empty").Mark(ierr.ErrValidation)
	}
	b, err := balance.store.BalanceGet(ctx, band)
	if ierr.IsNotFound(err) {
		// артист еще ничего не заработал
		return model.ArtistBalance{BandID: band}, nil
	}
	return b, err
}

func (balance *balance) EnsureForOwner(ctx context.Context, owner string) error {
	if owner == "" {
		return ierr.NewError("owner id is empty").Mark(ierr.ErrValidation)
	}
	if err := balance.store.BalanceEnsureForOwner(ctx, owner); err != nil {
		balance.zaplog.Error("ensure balances failed",
			zap.String("owner_id", owner),
			zap.Error(err))
		return err
	}
	return nil
}
