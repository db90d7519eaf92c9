package store

import (
	"context"
	"time"

	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/store/config"
	"github.com/iurnickita/artistledger/internal/store/memory"
)

// Store - единственная точка записи баланса артиста, журнала начислений,
// выплат и платежных аккаунтов.
type Store interface {
	// Расчетные периоды
	RevenuePeriodCreate(ctx context.Context, period model.RevenuePeriod) error
	RevenuePeriodGet(ctx context.Context, id string) (model.RevenuePeriod, error)
	RevenuePeriodList(ctx context.Context, status string) ([]model.RevenuePeriod, error)
	RevenuePeriodLatest(ctx context.Context) (model.RevenuePeriod, error)
	RevenuePeriodSetStatus(ctx context.Context, id string, status string) error

	// Внешние факты (только чтение)
	BandGet(ctx context.Context, id string) (model.Band, error)
	SubscriptionsForPeriod(ctx context.Context, start, end time.Time) ([]model.Subscription, error)
	ListensForSubscriber(ctx context.Context, subscriber string, start, end time.Time) ([]model.Listen, error)

	// Журнал начислений
	EarningsRecord(ctx context.Context, entries []model.EarningsEntry) error
	EarningsBySubscriber(ctx context.Context, subscriber string, period string) ([]model.EarningsEntry, error)
	EarningsByBand(ctx context.Context, band string, period string) ([]model.EarningsEntry, error)

	// Баланс артиста. Списание и возврат только вместе со строкой выплаты:
	// PayoutCreate и PayoutFail
	BalanceGet(ctx context.Context, band string) (model.ArtistBalance, error)
	BalanceCredit(ctx context.Context, band string, cents int64) error
	BalanceEnsureForOwner(ctx context.Context, owner string) error
	BalancesByOwner(ctx context.Context) ([]model.OwnerBalance, error)

	// Выплаты
	PayoutCreate(ctx context.Context, payout model.Payout) (model.Payout, error)
	PayoutComplete(ctx context.Context, ids []string, transferRef string, at time.Time) (int, error)
	PayoutFail(ctx context.Context, id string, message string, at time.Time) (bool, error)
	PayoutGet(ctx context.Context, id string) (model.Payout, error)
	PayoutListByBand(ctx context.Context, band string) ([]model.Payout, error)
	PayoutListPending(ctx context.Context, createdBefore time.Time) ([]model.Payout, error)
	PayoutList(ctx context.Context) ([]model.Payout, error)

	// Платежные аккаунты
	PayoutAccountGet(ctx context.Context, owner string) (model.PayoutAccount, error)
	PayoutAccountConnect(ctx context.Context, account model.PayoutAccount) error
	PayoutAccountSetStatus(ctx context.Context, accountRef string, status string, at time.Time) (model.PayoutAccount, error)
	PayoutAccountDisconnect(ctx context.Context, accountRef string, at time.Time) (model.PayoutAccount, error)

	Close() error
}

func NewStore(cfg config.Config) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return newPostgres(cfg)
	}
}

var _ Store = (*memory.Store)(nil)
var _ Store = (*postgres)(nil)
