package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/account"
	"github.com/iurnickita/artistledger/internal/attribution"
	"github.com/iurnickita/artistledger/internal/balance"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/payout"
	"github.com/iurnickita/artistledger/internal/service/config"
	"github.com/iurnickita/artistledger/internal/store"
)

type Service interface {
	// Чтение для дашбордов, без побочных эффектов
	BandGet(ctx context.Context, band string) (model.Band, error)
	BandSummary(ctx context.Context, band string) (BandSummary, error)
	BandPayouts(ctx context.Context, band string) ([]model.Payout, error)
	SubscriberFunding(ctx context.Context, subscriber string, period string) (Funding, error)
	Eligible(ctx context.Context) ([]payout.Eligibility, error)
	PayoutGroups(ctx context.Context) ([]PayoutGroup, error)

	// Административные действия
	CreatePeriod(ctx context.Context, start, end time.Time) (model.RevenuePeriod, error)
	AttributePeriod(ctx context.Context, period string) (attribution.RunResult, error)
	RunPayouts(ctx context.Context) (payout.RunResult, error)
	ConnectAccount(ctx context.Context, owner string, accountRef string) (model.PayoutAccount, error)

	// Уведомления процессора
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error

	RunJobs(ctx context.Context)
}

type BandSummary struct {
	BandID                string
	BalanceCents          int64
	LifetimeEarningsCents int64
	PeriodID              string
	PeriodEarningsCents   int64
	PendingPayoutCents    int64
	LastPayoutAt          *time.Time
}

type FundedBand struct {
	BandID           string
	StreamCount      int64
	ListeningSeconds int64
	GrossCents       int64
	NetCents         int64
}

type Funding struct {
	SubscriberID string
	PeriodID     string
	TotalCents   int64
	Bands        []FundedBand
}

// PayoutGroup - выплаты одного перевода
type PayoutGroup struct {
	TransferKey         string
	ExternalTransferRef string
	Status              string
	TotalCents          int64
	CreatedAt           time.Time
	ProcessedAt         *time.Time
	ErrorMessage        string
	Payouts             []model.Payout
}

type service struct {
	cfg        config.Config
	store      store.Store
	balance    balance.Balance
	engine     *attribution.Engine
	dispatcher *payout.Dispatcher
	reconciler *account.Reconciler
	zaplog     *zap.Logger
	now        func() time.Time

	// запуски выплат не пересекаются
	payoutMu sync.Mutex
}

func NewService(cfg config.Config, store store.Store, balance balance.Balance, engine *attribution.Engine,
	dispatcher *payout.Dispatcher, reconciler *account.Reconciler, zaplog *zap.Logger) Service {
	service := service{
		cfg:        cfg,
		store:      store,
		balance:    balance,
		engine:     engine,
		dispatcher: dispatcher,
		reconciler: reconciler,
		zaplog:     zaplog,
		now:        time.Now,
	}
	return &service
}

func emptyID(what string) error {
	return ierr.NewErrorf("%s id is empty", what).
		WithHintf("Missing %s id", what).
		Mark(ierr.ErrValidation)
}

func (service *service) BandGet(ctx context.Context, band string) (model.Band, error) {
	if band == "" {
		return model.Band{}, emptyID("band")
	}
	return service.store.BandGet(ctx, band)
}

func (service *service) BandSummary(ctx context.Context, band string) (BandSummary, error) {
	if band == "" {
		return BandSummary{}, emptyID("band")
	}
	b, err := service.balance.Get(ctx, band)
	if err != nil {
		return BandSummary{}, err
	}
	summary := BandSummary{
		BandID:                band,
		BalanceCents:          b.BalanceCents,
		LifetimeEarningsCents: b.LifetimeEarningsCents,
		LastPayoutAt:          b.LastPayoutAt,
	}

	period, err := service.store.RevenuePeriodLatest(ctx)
	switch {
	case ierr.IsNotFound(err):
	case err != nil:
		return BandSummary{}, err
	default:
		entries, err := service.store.EarningsByBand(ctx, band, period.ID)
		if err != nil {
			return BandSummary{}, err
		}
		summary.PeriodID = period.ID
		summary.PeriodEarningsCents = lo.SumBy(entries, func(e model.EarningsEntry) int64 { return e.NetCents })
	}

	payouts, err := service.store.PayoutListByBand(ctx, band)
	if err != nil {
		return BandSummary{}, err
	}
	for _, p := range payouts {
		if p.Status == model.PayoutStatusPending {
			summary.PendingPayoutCents += p.AmountCents
		}
	}
	return summary, nil
}

func (service *service) BandPayouts(ctx context.Context, band string) ([]model.Payout, error) {
	if band == "" {
		return nil, emptyID("band")
	}
	return service.store.PayoutListByBand(ctx, band)
}

// SubscriberFunding reads the recorded earnings entries of the subscriber.
// An empty period means the latest one.
func (service *service) SubscriberFunding(ctx context.Context, subscriber string, period string) (Funding, error) {
	if subscriber == "" {
		return Funding{}, emptyID("subscriber")
	}
	if period == "" {
		latest, err := service.store.RevenuePeriodLatest(ctx)
		if ierr.IsNotFound(err) {
			return Funding{SubscriberID: subscriber}, nil
		}
		if err != nil {
			return Funding{}, err
		}
		period = latest.ID
	} else if _, err := service.store.RevenuePeriodGet(ctx, period); err != nil {
		return Funding{}, err
	}

	entries, err := service.store.EarningsBySubscriber(ctx, subscriber, period)
	if err != nil {
		return Funding{}, err
	}
	funding := Funding{
		SubscriberID: subscriber,
		PeriodID:     period,
		Bands: lo.Map(entries, func(e model.EarningsEntry, _ int) FundedBand {
			return FundedBand{
				BandID:           e.BandID,
				StreamCount:      e.StreamCount,
				ListeningSeconds: e.ListeningSeconds,
				GrossCents:       e.GrossCents,
				NetCents:         e.NetCents,
			}
		}),
	}
	funding.TotalCents = lo.SumBy(funding.Bands, func(b FundedBand) int64 { return b.NetCents })
	return funding, nil
}

func (service *service) Eligible(ctx context.Context) ([]payout.Eligibility, error) {
	return service.dispatcher.ListEligible(ctx)
}

// PayoutGroups returns payouts grouped by transfer, newest first.
func (service *service) PayoutGroups(ctx context.Context) ([]PayoutGroup, error) {
	payouts, err := service.store.PayoutList(ctx)
	if err != nil {
		return nil, err
	}
	byKey := lo.GroupBy(payouts, func(p model.Payout) string {
		if p.TransferKey != "" {
			return p.TransferKey
		}
		return p.ID
	})

	groups := make([]PayoutGroup, 0, len(byKey))
	for key, rows := range byKey {
		sort.Slice(rows, func(i, j int) bool { return rows[i].BandID < rows[j].BandID })
		g := PayoutGroup{
			TransferKey: key,
			Status:      groupStatus(rows),
			TotalCents:  lo.SumBy(rows, func(p model.Payout) int64 { return p.AmountCents }),
			CreatedAt:   rows[0].CreatedAt,
			Payouts:     rows,
		}
		for _, p := range rows {
			if p.ExternalTransferRef != "" {
				g.ExternalTransferRef = p.ExternalTransferRef
			}
			if p.ErrorMessage != "" {
				g.ErrorMessage = p.ErrorMessage
			}
			if p.ProcessedAt != nil {
				g.ProcessedAt = p.ProcessedAt
			}
			if p.CreatedAt.Before(g.CreatedAt) {
				g.CreatedAt = p.CreatedAt
			}
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.After(groups[j].CreatedAt)
		}
		return groups[i].TransferKey > groups[j].TransferKey
	})
	return groups, nil
}

// groupStatus: pending, пока в группе есть pending строка
func groupStatus(rows []model.Payout) string {
	switch {
	case lo.SomeBy(rows, func(p model.Payout) bool { return p.Status == model.PayoutStatusPending }):
		return model.PayoutStatusPending
	case lo.EveryBy(rows, func(p model.Payout) bool { return p.Status == model.PayoutStatusCompleted }):
		return model.PayoutStatusCompleted
	default:
		return model.PayoutStatusFailed
	}
}

// CreatePeriod registers a revenue period that has already ended.
func (service *service) CreatePeriod(ctx context.Context, start, end time.Time) (model.RevenuePeriod, error) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return model.RevenuePeriod{}, ierr.NewError("period end must be after period start").
			WithHint("Invalid period bounds").
			Mark(ierr.ErrValidation)
	}
	if end.After(service.now()) {
		return model.RevenuePeriod{}, ierr.NewErrorf("period ending %s is not closed yet", end.Format(time.RFC3339)).
			WithHint("Only closed periods can be registered").
			Mark(ierr.ErrValidation)
	}
	period := model.RevenuePeriod{
		ID:          model.NewID(model.IDPrefixRevenuePeriod),
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Status:      model.RevenuePeriodStatusClosed,
	}
	if err := service.store.RevenuePeriodCreate(ctx, period); err != nil {
		return model.RevenuePeriod{}, err
	}
	service.zaplog.Info("revenue period registered",
		zap.String("period_id", period.ID),
		zap.Time("period_start", period.PeriodStart),
		zap.Time("period_end", period.PeriodEnd))
	return period, nil
}

func (service *service) AttributePeriod(ctx context.Context, period string) (attribution.RunResult, error) {
	if period == "" {
		return attribution.RunResult{}, emptyID("period")
	}
	return service.engine.RunPeriod(ctx, period)
}

func (service *service) RunPayouts(ctx context.Context) (payout.RunResult, error) {
	service.payoutMu.Lock()
	defer service.payoutMu.Unlock()
	return service.dispatcher.Run(ctx)
}

func (service *service) ConnectAccount(ctx context.Context, owner string, accountRef string) (model.PayoutAccount, error) {
	return service.reconciler.Connect(ctx, owner, accountRef)
}

func (service *service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	return service.reconciler.HandleStripeEvent(ctx, payload, signature)
}

// RunJobs runs the background jobs until ctx is done.
func (service *service) RunJobs(ctx context.Context) {
	var wg conc.WaitGroup
	if service.cfg.AttributeInterval > 0 {
		wg.Go(func() { service.every(ctx, "attribution", service.cfg.AttributeInterval, service.attributeClosed) })
	}
	if service.cfg.PayoutInterval > 0 {
		wg.Go(func() {
			service.every(ctx, "payout", service.cfg.PayoutInterval, func(ctx context.Context) error {
				_, err := service.RunPayouts(ctx)
				return err
			})
		})
	}
	if service.cfg.SweepInterval > 0 {
		wg.Go(func() {
			service.every(ctx, "sweep", service.cfg.SweepInterval, func(ctx context.Context) error {
				service.payoutMu.Lock()
				defer service.payoutMu.Unlock()
				_, err := service.dispatcher.Sweep(ctx)
				return err
			})
		})
	}
	wg.Wait()
}

func (service *service) every(ctx context.Context, job string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				service.zaplog.Error("background job failed",
					zap.String("job", job),
					zap.Error(err))
			}
		}
	}
}

// attributeClosed attributes every period that is closed but not yet
// attributed, oldest first.
func (service *service) attributeClosed(ctx context.Context) error {
	periods, err := service.store.RevenuePeriodList(ctx, model.RevenuePeriodStatusClosed)
	if err != nil {
		return err
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].PeriodStart.Before(periods[j].PeriodStart) })
	for _, p := range periods {
		if _, err := service.engine.RunPeriod(ctx, p.ID); err != nil {
			service.zaplog.Error("period attribution failed",
				zap.String("period_id", p.ID),
				zap.Error(err))
		}
	}
	return nil
}
