package payout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/cache"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/payout/config"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
	"github.com/iurnickita/artistledger/internal/store/memory"
)

type fakeGateway struct {
	mu        sync.Mutex
	onCreate  func()
	createErr error
	lookupErr error
	transfers map[string]gateway.Transfer
	requests  []gateway.TransferRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{transfers: make(map[string]gateway.Transfer)}
}

func (g *fakeGateway) CreateTransfer(_ context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.onCreate != nil {
		g.onCreate()
	}
	if g.createErr != nil {
		return gateway.Transfer{}, g.createErr
	}
	tr := gateway.Transfer{Ref: "tr_" + req.IdempotencyKey, AmountCents: req.AmountCents}
	g.transfers[req.IdempotencyKey] = tr
	return tr, nil
}

func (g *fakeGateway) LookupTransfer(_ context.Context, key string) (gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupErr != nil {
		return gateway.Transfer{}, g.lookupErr
	}
	tr, ok := g.transfers[key]
	if !ok {
		return gateway.Transfer{}, ierr.NewError("no transfer").Mark(ierr.ErrNotFound)
	}
	return tr, nil
}

var (
	testCfg = config.Config{
		MinimumCents:   1000,
		Currency:       "usd",
		Workers:        2,
		SweepAfter:     30 * time.Minute,
		GatewayTimeout: 5 * time.Second,
	}
	base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	store *memory.Store
	gw    *fakeGateway
	d     *Dispatcher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{store: memory.New(), gw: newFakeGateway(), clock: base}
	f.d = NewDispatcher(testCfg, f.store, f.gw, cache.NewAccountStatusCache(0), zap.NewNop())
	f.d.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) artist(t *testing.T, owner, band string, cents int64) {
	f.store.AddBand(model.Band{ID: band, OwnerID: owner})
	if cents > 0 {
		require.NoError(t, f.store.BalanceCredit(context.Background(), band, cents))
	}
}

func (f *fixture) account(t *testing.T, owner, status string) {
	require.NoError(t, f.store.PayoutAccountConnect(context.Background(), model.PayoutAccount{
		OwnerID:            owner,
		ExternalAccountRef: "acct_" + owner,
		Status:             status,
		UpdatedAt:          base,
	}))
}

func (f *fixture) balance(t *testing.T, band string) model.ArtistBalance {
	b, err := f.store.BalanceGet(context.Background(), band)
	require.NoError(t, err)
	return b
}

func (f *fixture) payouts(t *testing.T, band string) []model.Payout {
	p, err := f.store.PayoutListByBand(context.Background(), band)
	require.NoError(t, err)
	return p
}

func TestListEligibleGating(t *testing.T) {
	f := newFixture(t)
	f.artist(t, "o-999", "b-999", 999)
	f.account(t, "o-999", model.PayoutAccountStatusActive)
	f.artist(t, "o-1000", "b-1000", 1000)
	f.account(t, "o-1000", model.PayoutAccountStatusActive)
	f.artist(t, "o-5000", "b-5000", 5000)
	f.account(t, "o-5000", model.PayoutAccountStatusPending)
	f.artist(t, "o-none", "b-none", 2000)
	f.artist(t, "o-restr", "b-restr", 2000)
	f.account(t, "o-restr", model.PayoutAccountStatusRestricted)

	eligible, err := f.d.ListEligible(context.Background())
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, e := range eligible {
		reasons[e.OwnerID] = e.Reason
	}
	assert.Equal(t, map[string]string{
		"o-999":   ReasonBelowMinimum,
		"o-1000":  ReasonReady,
		"o-5000":  ReasonAccountNotActive,
		"o-none":  ReasonNoAccount,
		"o-restr": ReasonAccountNotActive,
	}, reasons)
}

func TestListEligibleSumsBandsPerOwner(t *testing.T) {
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 600)
	f.artist(t, "owner", "band-b", 500)
	f.account(t, "owner", model.PayoutAccountStatusActive)

	eligible, err := f.d.ListEligible(context.Background())
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.EqualValues(t, 1100, eligible[0].TotalCents)
	assert.Equal(t, ReasonReady, eligible[0].Reason)
	assert.Len(t, eligible[0].Bands, 2)
	assert.NoError(t, ReasonError(eligible[0]))

	eligible[0].Reason = ReasonBelowMinimum
	err = ReasonError(eligible[0])
	assert.True(t, ierr.Is(err, ierr.ErrEligibility))
	assert.Contains(t, ierr.Hints(err), ReasonBelowMinimum)
}

func TestRunGroupsOwnerBandsIntoOneTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 600)
	f.artist(t, "owner", "band-b", 700)
	f.account(t, "owner", model.PayoutAccountStatusActive)

	res, err := f.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Owners)
	assert.Equal(t, 1, res.Completed)
	assert.EqualValues(t, 1300, res.PaidCents)

	require.Len(t, f.gw.requests, 1)
	req := f.gw.requests[0]
	assert.EqualValues(t, 1300, req.AmountCents)
	assert.Equal(t, "acct_owner", req.Destination)
	assert.Equal(t, "usd", req.Currency)

	a := f.payouts(t, "band-a")
	b := f.payouts(t, "band-b")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	// ключ перевода - id первой выплаты группы
	assert.Equal(t, a[0].ID, a[0].TransferKey)
	assert.Equal(t, a[0].TransferKey, b[0].TransferKey)
	assert.Equal(t, a[0].TransferKey, req.IdempotencyKey)

	for _, p := range []model.Payout{a[0], b[0]} {
		assert.Equal(t, model.PayoutStatusCompleted, p.Status)
		assert.Equal(t, "tr_"+req.IdempotencyKey, p.ExternalTransferRef)
		require.NotNil(t, p.ProcessedAt)
	}
	assert.EqualValues(t, 600, a[0].AmountCents)
	assert.EqualValues(t, 700, b[0].AmountCents)

	ba := f.balance(t, "band-a")
	assert.EqualValues(t, 0, ba.BalanceCents)
	assert.EqualValues(t, 600, ba.LifetimeEarningsCents)
	require.NotNil(t, ba.LastPayoutAt)
	assert.True(t, ba.LastPayoutAt.Equal(base))
}

func TestRunSkipsOwnersThatAreNotReady(t *testing.T) {
	f := newFixture(t)
	f.artist(t, "poor", "band-p", 999)
	f.account(t, "poor", model.PayoutAccountStatusActive)
	f.artist(t, "pending", "band-q", 5000)
	f.account(t, "pending", model.PayoutAccountStatusPending)

	res, err := f.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Owners)
	assert.Empty(t, f.gw.requests)
	assert.EqualValues(t, 999, f.balance(t, "band-p").BalanceCents)
	assert.EqualValues(t, 5000, f.balance(t, "band-q").BalanceCents)
}

func TestRunRejectedTransferRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 600)
	f.artist(t, "owner", "band-b", 700)
	f.account(t, "owner", model.PayoutAccountStatusActive)
	f.gw.createErr = ierr.NewError("destination account is restricted").Mark(ierr.ErrGatewayRejected)

	res, err := f.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	for _, band := range []string{"band-a", "band-b"} {
		p := f.payouts(t, band)
		require.Len(t, p, 1)
		assert.Equal(t, model.PayoutStatusFailed, p[0].Status)
		assert.Contains(t, p[0].ErrorMessage, "destination account is restricted")
		assert.Empty(t, p[0].ExternalTransferRef)
	}
	assert.EqualValues(t, 600, f.balance(t, "band-a").BalanceCents)
	assert.EqualValues(t, 700, f.balance(t, "band-b").BalanceCents)
	assert.EqualValues(t, 600, f.balance(t, "band-a").LifetimeEarningsCents)

	// следующий запуск создает новые строки, старые остаются failed
	f.gw.createErr = nil
	res, err = f.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	p := f.payouts(t, "band-a")
	require.Len(t, p, 2)
	statuses := []string{p[0].Status, p[1].Status}
	assert.ElementsMatch(t, []string{model.PayoutStatusCompleted, model.PayoutStatusFailed}, statuses)
	assert.EqualValues(t, 0, f.balance(t, "band-a").BalanceCents)
}

func TestRunUnknownOutcomeStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 1500)
	f.account(t, "owner", model.PayoutAccountStatusActive)
	f.gw.createErr = ierr.WithError(context.DeadlineExceeded).Mark(ierr.ErrGateway)

	res, err := f.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, res.Errors)

	p := f.payouts(t, "band-a")
	require.Len(t, p, 1)
	assert.Equal(t, model.PayoutStatusPending, p[0].Status)
	assert.EqualValues(t, 0, f.balance(t, "band-a").BalanceCents)

	// остаток зарезервирован, новая выплата не создается
	res, err = f.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Owners)
	assert.Len(t, f.payouts(t, "band-a"), 1)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, model.Payout) {
		f := newFixture(t)
		f.artist(t, "owner", "band-a", 1500)
		f.account(t, "owner", model.PayoutAccountStatusActive)
		f.gw.createErr = ierr.WithError(context.DeadlineExceeded).Mark(ierr.ErrGateway)
		_, err := f.d.Run(ctx)
		require.NoError(t, err)
		p := f.payouts(t, "band-a")
		require.Len(t, p, 1)
		return f, p[0]
	}

	t.Run("too early", func(t *testing.T) {
		f, _ := setup(t)
		f.clock = base.Add(10 * time.Minute)
		res, err := f.d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Groups)
	})

	t.Run("transfer exists", func(t *testing.T) {
		f, p := setup(t)
		// перевод дошел, хотя ответ потерялся
		f.gw.transfers[p.TransferKey] = gateway.Transfer{Ref: "tr_late", AmountCents: 1500}
		f.clock = base.Add(time.Hour)

		res, err := f.d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Groups: 1, Completed: 1}, res)

		got := f.payouts(t, "band-a")[0]
		assert.Equal(t, model.PayoutStatusCompleted, got.Status)
		assert.Equal(t, "tr_late", got.ExternalTransferRef)
		assert.EqualValues(t, 0, f.balance(t, "band-a").BalanceCents)
		// повторной отправки не было
		assert.Len(t, f.gw.requests, 1)
	})

	t.Run("transfer absent", func(t *testing.T) {
		f, _ := setup(t)
		f.clock = base.Add(time.Hour)

		res, err := f.d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Groups: 1, Failed: 1}, res)

		got := f.payouts(t, "band-a")[0]
		assert.Equal(t, model.PayoutStatusFailed, got.Status)
		assert.NotEmpty(t, got.ErrorMessage)
		assert.EqualValues(t, 1500, f.balance(t, "band-a").BalanceCents)
		assert.Len(t, f.gw.requests, 1)
	})

	t.Run("transfer reversed", func(t *testing.T) {
		f, p := setup(t)
		f.gw.transfers[p.TransferKey] = gateway.Transfer{Ref: "tr_rev", AmountCents: 1500, Reversed: true}
		f.clock = base.Add(time.Hour)

		res, err := f.d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.EqualValues(t, 1500, f.balance(t, "band-a").BalanceCents)
	})

	t.Run("lookup fails", func(t *testing.T) {
		f, _ := setup(t)
		f.gw.lookupErr = ierr.NewError("gateway unavailable").Mark(ierr.ErrGateway)
		f.clock = base.Add(time.Hour)

		res, err := f.d.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Groups: 1, Unknown: 1}, res)
		assert.Equal(t, model.PayoutStatusPending, f.payouts(t, "band-a")[0].Status)
		assert.EqualValues(t, 0, f.balance(t, "band-a").BalanceCents)
	})
}

func TestSweepSettlesGroupTogether(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 600)
	f.artist(t, "owner", "band-b", 700)
	f.account(t, "owner", model.PayoutAccountStatusActive)
	f.gw.createErr = ierr.NewError("timeout").Mark(ierr.ErrGateway)
	_, err := f.d.Run(ctx)
	require.NoError(t, err)

	key := f.payouts(t, "band-a")[0].TransferKey
	f.gw.transfers[key] = gateway.Transfer{Ref: "tr_group", AmountCents: 1300}
	f.clock = base.Add(time.Hour)

	res, err := f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Groups: 1, Completed: 1}, res)
	assert.Equal(t, "tr_group", f.payouts(t, "band-a")[0].ExternalTransferRef)
	assert.Equal(t, "tr_group", f.payouts(t, "band-b")[0].ExternalTransferRef)
}

func TestCreatePayoutNoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 4200)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.d.CreatePayout(ctx, "band-a", "", "")
		}()
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case ierr.IsInsufficientBalance(err):
			insufficient++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	p := f.payouts(t, "band-a")
	require.Len(t, p, 1)
	assert.EqualValues(t, 4200, p[0].AmountCents)
	assert.Equal(t, p[0].ID, p[0].TransferKey)
	assert.EqualValues(t, 0, f.balance(t, "band-a").BalanceCents)
}

func TestCreatePayoutValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.CreatePayout(context.Background(), "", "", "")
	assert.True(t, ierr.IsValidation(err))

	_, err = f.d.CreatePayout(context.Background(), "band-missing", "", "")
	assert.True(t, ierr.IsNotFound(err))
}

func TestDispatchReportsPayoutsSettledMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.artist(t, "owner", "band-a", 1500)

	p, err := f.d.CreatePayout(ctx, "band-a", "", "")
	require.NoError(t, err)
	// другой процесс успел закрыть выплату как failed, пока шел перевод
	f.gw.onCreate = func() {
		ok, err := f.store.PayoutFail(ctx, p.ID, "transfer was not created by the gateway", base)
		require.NoError(t, err)
		require.True(t, ok)
	}

	outcome, err := f.d.Dispatch(ctx, "acct_owner", p)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, ierr.IsLedgerInvariant(err))

	got := f.payouts(t, "band-a")
	require.Len(t, got, 1)
	assert.Equal(t, model.PayoutStatusFailed, got[0].Status)
	assert.EqualValues(t, 1500, f.balance(t, "band-a").BalanceCents)
}

func TestDispatchRejectsMixedGroups(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), "acct",
		model.Payout{ID: "po_1", TransferKey: "po_1"},
		model.Payout{ID: "po_2", TransferKey: "po_2"})
	assert.True(t, ierr.IsValidation(err))

	_, err = f.d.Dispatch(context.Background(), "acct")
	assert.True(t, ierr.IsValidation(err))
	assert.Empty(t, f.gw.requests)
}

func TestAccountStatusIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accounts := cache.NewAccountStatusCache(time.Minute)
	f.d.accounts = accounts
	f.artist(t, "owner", "band-a", 2000)
	f.account(t, "owner", model.PayoutAccountStatusActive)

	eligible, err := f.d.ListEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonReady, eligible[0].Reason)

	_, err = f.store.PayoutAccountDisconnect(ctx, "acct_owner", base)
	require.NoError(t, err)

	eligible, err = f.d.ListEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonReady, eligible[0].Reason)

	accounts.Delete("owner")
	eligible, err = f.d.ListEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoAccount, eligible[0].Reason)
}
