package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceNeverNegative(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.BalanceCredit(ctx, "band-a", 500))
	require.True(t, ierr.IsValidation(s.BalanceCredit(ctx, "band-a", 0)))
	require.True(t, ierr.IsValidation(s.BalanceCredit(ctx, "band-a", -5)))
	_, err := s.PayoutCreate(ctx, model.Payout{ID: "po-missing", BandID: "band-missing", CreatedAt: at})
	require.True(t, ierr.IsNotFound(err))

	p, err := s.PayoutCreate(ctx, model.Payout{ID: "po-1", BandID: "band-a", CreatedAt: at})
	require.NoError(t, err)
	require.EqualValues(t, 500, p.AmountCents)
	_, err = s.PayoutCreate(ctx, model.Payout{ID: "po-2", BandID: "band-a", CreatedAt: at})
	require.True(t, ierr.IsInsufficientBalance(err))

	ok, err := s.PayoutFail(ctx, "po-1", "declined", at)
	require.NoError(t, err)
	require.True(t, ok)
	// повторный откат ничего не возвращает
	ok, err = s.PayoutFail(ctx, "po-1", "declined", at)
	require.NoError(t, err)
	require.False(t, ok)

	b, err := s.BalanceGet(ctx, "band-a")
	require.NoError(t, err)
	assert.EqualValues(t, 500, b.BalanceCents)
	assert.EqualValues(t, 500, b.LifetimeEarningsCents)
}

func TestConcurrentCredit(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.BalanceCredit(ctx, "band-a", 7))
		}()
	}
	wg.Wait()

	b, err := s.BalanceGet(ctx, "band-a")
	require.NoError(t, err)
	assert.EqualValues(t, 700, b.BalanceCents)
	assert.EqualValues(t, 700, b.LifetimeEarningsCents)
}

func TestPayoutCreateNoDoubleSpend(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.BalanceCredit(ctx, "band-a", 2500))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := model.NewID(model.IDPrefixPayout)
			_, errs[i] = s.PayoutCreate(ctx, model.Payout{ID: id, BandID: "band-a", TransferKey: id, CreatedAt: time.Now()})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, ierr.IsInsufficientBalance(err))
	}
	assert.Equal(t, 1, succeeded)

	payouts, err := s.PayoutList(ctx)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.EqualValues(t, 2500, payouts[0].AmountCents)
}

func TestPayoutTerminalStates(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.BalanceCredit(ctx, "band-a", 1000))

	p, err := s.PayoutCreate(ctx, model.Payout{ID: "po_1", BandID: "band-a", TransferKey: "po_1", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, model.PayoutStatusPending, p.Status)

	n, err := s.PayoutComplete(ctx, []string{"po_1"}, "tr_1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed, err := s.PayoutFail(ctx, "po_1", "late failure", time.Now())
	require.NoError(t, err)
	assert.False(t, failed)

	b, err := s.BalanceGet(ctx, "band-a")
	require.NoError(t, err)
	assert.Zero(t, b.BalanceCents)
	require.NotNil(t, b.LastPayoutAt)
}

func TestEarningsRecordIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	entries := []model.EarningsEntry{
		{ID: "e1", BandID: "band-a", SubscriberID: "sub", RevenuePeriodID: "rp", NetCents: 300},
		{ID: "e2", BandID: "band-b", SubscriberID: "sub", RevenuePeriodID: "rp", NetCents: 0},
	}
	require.NoError(t, s.EarningsRecord(ctx, entries))
	require.True(t, ierr.IsAlreadyExists(s.EarningsRecord(ctx, entries)))

	b, err := s.BalanceGet(ctx, "band-a")
	require.NoError(t, err)
	assert.EqualValues(t, 300, b.BalanceCents)

	_, err = s.BalanceGet(ctx, "band-b")
	assert.True(t, ierr.IsNotFound(err))

	got, err := s.EarningsBySubscriber(ctx, "sub", "rp")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "band-a", got[0].BandID)
}

func TestEarningsRecordOncePerSubscriberAndPeriod(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.EarningsRecord(ctx, []model.EarningsEntry{
		{ID: "e1", BandID: "band-a", SubscriberID: "sub", RevenuePeriodID: "rp", NetCents: 699},
	}))

	err := s.EarningsRecord(ctx, []model.EarningsEntry{
		{ID: "e2", BandID: "band-b", SubscriberID: "sub", RevenuePeriodID: "rp", NetCents: 699},
	})
	require.True(t, ierr.IsAlreadyExists(err))
	_, err = s.BalanceGet(ctx, "band-b")
	assert.True(t, ierr.IsNotFound(err))

	// другой период того же подписчика
	require.NoError(t, s.EarningsRecord(ctx, []model.EarningsEntry{
		{ID: "e3", BandID: "band-b", SubscriberID: "sub", RevenuePeriodID: "rp-2", NetCents: 100},
	}))

	err = s.EarningsRecord(ctx, []model.EarningsEntry{
		{ID: "e4", BandID: "band-a", SubscriberID: "sub-x", RevenuePeriodID: "rp"},
		{ID: "e5", BandID: "band-b", SubscriberID: "sub-y", RevenuePeriodID: "rp"},
	})
	assert.True(t, ierr.IsValidation(err))
}

func TestEnsureBalancesForOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddBand(model.Band{ID: "band-a", OwnerID: "owner-1"})
	s.AddBand(model.Band{ID: "band-b", OwnerID: "owner-1"})
	s.AddBand(model.Band{ID: "band-c", OwnerID: "owner-2"})
	require.NoError(t, s.BalanceCredit(ctx, "band-a", 42))

	require.NoError(t, s.BalanceEnsureForOwner(ctx, "owner-1"))
	require.NoError(t, s.BalanceEnsureForOwner(ctx, "owner-1"))

	owners, err := s.BalancesByOwner(ctx)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	require.Len(t, owners[0].Bands, 2)
	assert.EqualValues(t, 42, owners[0].Bands[0].BalanceCents)
	assert.EqualValues(t, 0, owners[0].Bands[1].BalanceCents)
}
