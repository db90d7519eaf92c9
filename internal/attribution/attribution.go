package attribution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/attribution/config"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/store"
)

// Итог расчета одного подписчика
const (
	OutcomeAttributed  = "attributed"
	OutcomeAlreadyDone = "already_attributed"
	OutcomeUnallocated = "unallocated"
	OutcomeNoPayment   = "no_payment"
	OutcomeFailed      = "failed"
)

type SubscriberResult struct {
	SubscriberID string
	Outcome      string
	Allocation   Allocation
	Err          error
}

type RunResult struct {
	PeriodID          string
	AlreadyAttributed bool
	Subscribers       int
	Attributed        int
	Skipped           int
	Failed            int
	DistributedCents  int64
	UnallocatedCents  int64
	Results           []SubscriberResult
}

type Engine struct {
	store    store.Store
	fraction decimal.Decimal
	workers  int
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewEngine(cfg config.Config, store store.Store, zaplog *zap.Logger) (*Engine, error) {
	fraction, err := decimal.NewFromString(cfg.ArtistShare)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("artist share %q is not a decimal", cfg.ArtistShare).
			Mark(ierr.ErrValidation)
	}
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ierr.NewErrorf("artist share %s out of (0, 1]", fraction).
			Mark(ierr.ErrValidation)
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:    store,
		fraction: fraction,
		workers:  workers,
		zaplog:   zaplog,
		now:      time.Now,
	}, nil
}

// RunPeriod attributes every paying subscriber of a closed period. A failure
// for one subscriber is logged and counted and does not stop the others. The
// period is marked attributed only when no subscriber failed, so a rerun
// picks up the failed ones and skips the rest.
func (e *Engine) RunPeriod(ctx context.Context, periodID string) (RunResult, error) {
	result := RunResult{PeriodID: periodID}

	period, err := e.store.RevenuePeriodGet(ctx, periodID)
	if err != nil {
		return result, err
	}
	if period.Status == model.RevenuePeriodStatusAttributed {
		result.AlreadyAttributed = true
		return result, nil
	}

	subs, err := e.store.SubscriptionsForPeriod(ctx, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return result, err
	}
	bySubscriber := lo.GroupBy(subs, func(s model.Subscription) string { return s.SubscriberID })
	subscribers := lo.Keys(bySubscriber)
	sort.Strings(subscribers)
	result.Subscribers = len(subscribers)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(e.workers)
	for _, subscriber := range subscribers {
		p.Go(func() {
			res := e.RunSubscriber(ctx, period, subscriber, bySubscriber[subscriber])
			mu.Lock()
			result.Results = append(result.Results, res)
			mu.Unlock()
		})
	}
	p.Wait()

	sort.Slice(result.Results, func(i, j int) bool {
		return result.Results[i].SubscriberID < result.Results[j].SubscriberID
	})
	for _, res := range result.Results {
		switch res.Outcome {
		case OutcomeAttributed:
			result.Attributed++
			result.DistributedCents += res.Allocation.PoolCents
		case OutcomeUnallocated:
			result.Skipped++
			result.UnallocatedCents += res.Allocation.UnallocatedCents
		case OutcomeFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	e.zaplog.Info("attribution run finished",
		zap.String("period_id", periodID),
		zap.Int("subscribers", result.Subscribers),
		zap.Int("attributed", result.Attributed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int64("distributed_cents", result.DistributedCents),
		zap.Int64("unallocated_cents", result.UnallocatedCents),
	)

	if result.Failed > 0 {
		return result, nil
	}
	if err := e.store.RevenuePeriodSetStatus(ctx, periodID, model.RevenuePeriodStatusAttributed); err != nil {
		return result, err
	}
	return result, nil
}

// RunSubscriber splits one subscriber's payment for the period and records
// the earnings entries together with the balance credits. Running it again
// for the same (subscriber, period) changes nothing.
func (e *Engine) RunSubscriber(ctx context.Context, period model.RevenuePeriod, subscriber string, subs []model.Subscription) SubscriberResult {
	res := SubscriberResult{SubscriberID: subscriber}
	fail := func(err error) SubscriberResult {
		res.Outcome = OutcomeFailed
		res.Err = err
		e.zaplog.Error("attribution failed",
			zap.String("period_id", period.ID),
			zap.String("subscriber_id", subscriber),
			zap.Error(err))
		return res
	}

	totalPaid := TotalPaidCents(period, subs)
	if totalPaid == 0 {
		res.Outcome = OutcomeNoPayment
		return res
	}

	listens, err := e.store.ListensForSubscriber(ctx, subscriber, period.PeriodStart, period.PeriodEnd)
	if err != nil {
		return fail(err)
	}
	alloc, err := Split(totalPaid, e.fraction, Qualifying(listens))
	if err != nil {
		return fail(err)
	}
	res.Allocation = alloc

	if len(alloc.Shares) == 0 {
		// Нечего распределять: пул остается нераспределенным и попадает в отчет
		res.Outcome = OutcomeUnallocated
		e.zaplog.Warn("subscriber pool left unallocated",
			zap.String("period_id", period.ID),
			zap.String("subscriber_id", subscriber),
			zap.Int64("pool_cents", alloc.UnallocatedCents))
		return res
	}

	createdAt := e.now().UTC()
	entries := lo.Map(alloc.Shares, func(s Share, _ int) model.EarningsEntry {
		return model.EarningsEntry{
			ID:               model.NewID(model.IDPrefixEarnings),
			BandID:           s.BandID,
			RevenuePeriodID:  period.ID,
			SubscriberID:     subscriber,
			StreamCount:      s.StreamCount,
			ListeningSeconds: s.ListeningSeconds,
			GrossCents:       s.GrossCents,
			NetCents:         s.NetCents,
			CreatedAt:        createdAt,
		}
	})

	err = e.store.EarningsRecord(ctx, entries)
	if ierr.IsAlreadyExists(err) {
		res.Outcome = OutcomeAlreadyDone
		return res
	}
	if err != nil {
		return fail(err)
	}
	res.Outcome = OutcomeAttributed
	return res
}

// TotalPaidCents sums the price of every paid billing cycle that starts
// inside the period. Cycles run monthly from the subscription start, so each
// payment lands in exactly one period even when the billing anchor is
// mid-month.
func TotalPaidCents(period model.RevenuePeriod, subs []model.Subscription) int64 {
	var total int64
	for _, sub := range subs {
		if sub.Status == model.SubscriptionStatusPastDue || sub.PriceCents <= 0 {
			continue
		}
		if !sub.PeriodEnd.After(sub.PeriodStart) {
			continue
		}
		cycles := MonthsCovered(sub.PeriodStart, sub.PeriodEnd)
		for i := int64(0); i < cycles; i++ {
			cycleStart := sub.PeriodStart.AddDate(0, int(i), 0)
			if !cycleStart.Before(period.PeriodStart) && cycleStart.Before(period.PeriodEnd) {
				total += sub.PriceCents
			}
		}
	}
	return total
}

// MonthsCovered counts started calendar months between start and end, at
// least one.
func MonthsCovered(start, end time.Time) int64 {
	months := int64(end.Year()-start.Year())*12 + int64(end.Month()-start.Month())
	if start.AddDate(0, int(months), 0).Before(end) {
		months++
	}
	if months < 1 {
		months = 1
	}
	return months
}
