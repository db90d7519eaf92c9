package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/account"
	accountConfig "github.com/iurnickita/artistledger/internal/account/config"
	"github.com/iurnickita/artistledger/internal/attribution"
	attributionConfig "github.com/iurnickita/artistledger/internal/attribution/config"
	"github.com/iurnickita/artistledger/internal/balance"
	"github.com/iurnickita/artistledger/internal/cache"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/payout"
	payoutConfig "github.com/iurnickita/artistledger/internal/payout/config"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
	"github.com/iurnickita/artistledger/internal/service/config"
	"github.com/iurnickita/artistledger/internal/store/memory"
)

type okGateway struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (g *okGateway) CreateTransfer(_ context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.fail {
		return gateway.Transfer{}, ierr.NewError("account closed").Mark(ierr.ErrGatewayRejected)
	}
	return gateway.Transfer{Ref: "tr_" + req.IdempotencyKey, AmountCents: req.AmountCents}, nil
}

func (g *okGateway) LookupTransfer(_ context.Context, key string) (gateway.Transfer, error) {
	return gateway.Transfer{}, ierr.NewError("no transfer").Mark(ierr.ErrNotFound)
}

var (
	jan = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *memory.Store
	gw      *okGateway
	service Service
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	s := memory.New()
	zaplog := zap.NewNop()
	gw := &okGateway{}
	accounts := cache.NewAccountStatusCache(0)
	bal := balance.NewBalance(s, zaplog)

	engine, err := attribution.NewEngine(attributionConfig.Config{ArtistShare: "0.70", Workers: 2}, s, zaplog)
	require.NoError(t, err)
	dispatcher := payout.NewDispatcher(payoutConfig.Config{
		MinimumCents:   1000,
		Currency:       "usd",
		Workers:        2,
		SweepAfter:     time.Hour,
		GatewayTimeout: time.Second,
	}, s, gw, accounts, zaplog)
	reconciler := account.NewReconciler(accountConfig.Config{}, s, bal, accounts, zaplog)

	s.AddBand(model.Band{ID: "band-a", OwnerID: "owner-a"})
	s.AddBand(model.Band{ID: "band-b", OwnerID: "owner-b"})
	s.AddSubscription(model.Subscription{SubscriberID: "sub-1", Status: model.SubscriptionStatusActive, PeriodStart: jan, PeriodEnd: feb, PriceCents: 999})
	at := jan.Add(72 * time.Hour)
	s.AddListen(model.Listen{SubscriberID: "sub-1", BandID: "band-a", DurationSeconds: 1800, Completed: true, ListenedAt: at})
	s.AddListen(model.Listen{SubscriberID: "sub-1", BandID: "band-b", DurationSeconds: 600, Completed: true, ListenedAt: at})

	return &fixture{
		store:   s,
		gw:      gw,
		service: NewService(cfg, s, bal, engine, dispatcher, reconciler, zaplog),
	}
}

func (f *fixture) attributed(t *testing.T) model.RevenuePeriod {
	ctx := context.Background()
	period, err := f.service.CreatePeriod(ctx, jan, feb)
	require.NoError(t, err)
	res, err := f.service.AttributePeriod(ctx, period.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Attributed)
	return period
}

func TestCreatePeriodValidation(t *testing.T) {
	f := newFixture(t, config.Config{})
	ctx := context.Background()

	_, err := f.service.CreatePeriod(ctx, feb, jan)
	assert.True(t, ierr.IsValidation(err))
	_, err = f.service.CreatePeriod(ctx, time.Time{}, feb)
	assert.True(t, ierr.IsValidation(err))
	_, err = f.service.CreatePeriod(ctx, time.Now(), time.Now().Add(24*time.Hour))
	assert.True(t, ierr.IsValidation(err))

	p, err := f.service.CreatePeriod(ctx, jan, feb)
	require.NoError(t, err)
	assert.Equal(t, model.RevenuePeriodStatusClosed, p.Status)
}

func TestBandSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})

	empty, err := f.service.BandSummary(ctx, "band-a")
	require.NoError(t, err)
	assert.Equal(t, BandSummary{BandID: "band-a"}, empty)

	period := f.attributed(t)
	summary, err := f.service.BandSummary(ctx, "band-a")
	require.NoError(t, err)
	assert.EqualValues(t, 525, summary.BalanceCents)
	assert.EqualValues(t, 525, summary.LifetimeEarningsCents)
	assert.EqualValues(t, 525, summary.PeriodEarningsCents)
	assert.Equal(t, period.ID, summary.PeriodID)
	assert.Nil(t, summary.LastPayoutAt)

	_, err = f.service.BandSummary(ctx, "")
	assert.True(t, ierr.IsValidation(err))
}

func TestSubscriberFunding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})

	none, err := f.service.SubscriberFunding(ctx, "sub-1", "")
	require.NoError(t, err)
	assert.Empty(t, none.Bands)

	period := f.attributed(t)
	funding, err := f.service.SubscriberFunding(ctx, "sub-1", "")
	require.NoError(t, err)
	assert.Equal(t, period.ID, funding.PeriodID)
	assert.EqualValues(t, 699, funding.TotalCents)
	require.Len(t, funding.Bands, 2)
	assert.Equal(t, FundedBand{BandID: "band-a", StreamCount: 1, ListeningSeconds: 1800, GrossCents: 750, NetCents: 525}, funding.Bands[0])

	same, err := f.service.SubscriberFunding(ctx, "sub-1", period.ID)
	require.NoError(t, err)
	assert.Equal(t, funding, same)

	_, err = f.service.SubscriberFunding(ctx, "sub-1", "rp_missing")
	assert.True(t, ierr.IsNotFound(err))
}

func TestPayoutsAndGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.Config{})
	f.attributed(t)
	require.NoError(t, f.store.BalanceCredit(ctx, "band-a", 1000))

	_, err := f.service.ConnectAccount(ctx, "owner-a", "acct_a")
	require.NoError(t, err)
	eligible, err := f.service.Eligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 2)
	assert.Equal(t, payout.ReasonAccountNotActive, eligible[0].Reason)
	assert.Equal(t, payout.ReasonNoAccount, eligible[1].Reason)

	_, err = f.store.PayoutAccountSetStatus(ctx, "acct_a", model.PayoutAccountStatusActive, jan)
	require.NoError(t, err)

	f.gw.fail = true
	res, err := f.service.RunPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	f.gw.fail = false
	res, err = f.service.RunPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.EqualValues(t, 1525, res.PaidCents)

	groups, err := f.service.PayoutGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	statuses := []string{groups[0].Status, groups[1].Status}
	assert.ElementsMatch(t, []string{model.PayoutStatusCompleted, model.PayoutStatusFailed}, statuses)
	for _, g := range groups {
		assert.EqualValues(t, 1525, g.TotalCents)
		if g.Status == model.PayoutStatusFailed {
			assert.Contains(t, g.ErrorMessage, "account closed")
		} else {
			assert.Equal(t, "tr_"+g.TransferKey, g.ExternalTransferRef)
		}
	}

	summary, err := f.service.BandSummary(ctx, "band-a")
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.BalanceCents)
	assert.NotNil(t, summary.LastPayoutAt)

	history, err := f.service.BandPayouts(ctx, "band-a")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestGroupStatus(t *testing.T) {
	p := func(status string) model.Payout { return model.Payout{Status: status} }
	assert.Equal(t, model.PayoutStatusPending, groupStatus([]model.Payout{p(model.PayoutStatusCompleted), p(model.PayoutStatusPending)}))
	assert.Equal(t, model.PayoutStatusCompleted, groupStatus([]model.Payout{p(model.PayoutStatusCompleted)}))
	assert.Equal(t, model.PayoutStatusFailed, groupStatus([]model.Payout{p(model.PayoutStatusFailed), p(model.PayoutStatusCompleted)}))
}

func TestRunJobsAttributesClosedPeriods(t *testing.T) {
	f := newFixture(t, config.Config{AttributeInterval: 10 * time.Millisecond})
	period, err := f.service.CreatePeriod(context.Background(), jan, feb)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.service.RunJobs(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		p, err := f.store.RevenuePeriodGet(context.Background(), period.ID)
		return err == nil && p.Status == model.RevenuePeriodStatusAttributed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs did not stop")
	}
}
