// Package memory is an in-process implementation of the ledger store.
// It backs the unit tests and the "memory" store driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
)

type earningsKey struct {
	band       string
	subscriber string
	period     string
}

// один расчет на (подписчик, период)
type runKey struct {
	subscriber string
	period     string
}

type Store struct {
	mu sync.Mutex

	bands         map[string]model.Band
	subscriptions []model.Subscription
	listens       []model.Listen

	periods  map[string]model.RevenuePeriod
	earnings []model.EarningsEntry
	earnKeys map[earningsKey]struct{}
	runs     map[runKey]struct{}
	balances map[string]*model.ArtistBalance
	payouts  map[string]*model.Payout
	accounts map[string]*model.PayoutAccount
}

func New() *Store {
	return &Store{
		bands:    make(map[string]model.Band),
		periods:  make(map[string]model.RevenuePeriod),
		earnKeys: make(map[earningsKey]struct{}),
		runs:     make(map[runKey]struct{}),
		balances: make(map[string]*model.ArtistBalance),
		payouts:  make(map[string]*model.Payout),
		accounts: make(map[string]*model.PayoutAccount),
	}
}

func (s *Store) Close() error {
	return nil
}

// Заполнение внешних фактов

func (s *Store) AddBand(band model.Band) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bands[band.ID] = band
}

func (s *Store) AddSubscription(sub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
}

func (s *Store) AddListen(listen model.Listen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listens = append(s.listens, listen)
}

func validAmount(cents int64) error {
	if cents <= 0 {
		return ierr.NewErrorf("amount must be positive, got %d", cents).
			WithHint("Amount must be a positive number of cents").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Расчетные периоды

func (s *Store) RevenuePeriodCreate(_ context.Context, period model.RevenuePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.periods[period.ID]; ok {
		return ierr.NewError("revenue period already exists").Mark(ierr.ErrAlreadyExists)
	}
	s.periods[period.ID] = period
	return nil
}

func (s *Store) RevenuePeriodGet(_ context.Context, id string) (model.RevenuePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	period, ok := s.periods[id]
	if !ok {
		return model.RevenuePeriod{}, ierr.NewError("revenue period not found").Mark(ierr.ErrNotFound)
	}
	return period, nil
}

func (s *Store) RevenuePeriodList(_ context.Context, status string) ([]model.RevenuePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	periods := lo.Filter(lo.Values(s.periods), func(p model.RevenuePeriod, _ int) bool {
		return p.Status == status
	})
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].PeriodStart.Before(periods[j].PeriodStart)
	})
	return periods, nil
}

func (s *Store) RevenuePeriodLatest(_ context.Context) (model.RevenuePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.periods) == 0 {
		return model.RevenuePeriod{}, ierr.NewError("revenue period not found").Mark(ierr.ErrNotFound)
	}
	return lo.MaxBy(lo.Values(s.periods), func(a, b model.RevenuePeriod) bool {
		return a.PeriodEnd.After(b.PeriodEnd)
	}), nil
}

func (s *Store) RevenuePeriodSetStatus(_ context.Context, id string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	period, ok := s.periods[id]
	if !ok {
		return ierr.NewError("revenue period not found").Mark(ierr.ErrNotFound)
	}
	period.Status = status
	s.periods[id] = period
	return nil
}

// Внешние факты

func (s *Store) BandGet(_ context.Context, id string) (model.Band, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	band, ok := s.bands[id]
	if !ok {
		return model.Band{}, ierr.NewError("band not found").Mark(ierr.ErrNotFound)
	}
	return band, nil
}

func (s *Store) SubscriptionsForPeriod(_ context.Context, start, end time.Time) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.subscriptions, func(sub model.Subscription, _ int) bool {
		return sub.PeriodStart.Before(end) && sub.PeriodEnd.After(start)
	}), nil
}

func (s *Store) ListensForSubscriber(_ context.Context, subscriber string, start, end time.Time) ([]model.Listen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var listens []model.Listen
	for _, l := range s.listens {
		if l.SubscriberID != subscriber || l.ListenedAt.Before(start) || !l.ListenedAt.Before(end) {
			continue
		}
		band, ok := s.bands[l.BandID]
		if !ok {
			continue
		}
		l.BandOwnerID = band.OwnerID
		listens = append(listens, l)
	}
	return listens, nil
}

// Журнал начислений

func (s *Store) EarningsRecord(_ context.Context, entries []model.EarningsEntry) error {
	if len(entries) == 0 {
		return nil
	}
	run := runKey{entries[0].SubscriberID, entries[0].RevenuePeriodID}
	for _, e := range entries {
		if e.SubscriberID != run.subscriber || e.RevenuePeriodID != run.period {
			return ierr.NewError("earnings of different subscribers or periods").Mark(ierr.ErrValidation)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run]; ok {
		return ierr.NewError("subscriber already attributed for period").Mark(ierr.ErrAlreadyExists)
	}
	for _, e := range entries {
		if _, ok := s.earnKeys[earningsKey{e.BandID, e.SubscriberID, e.RevenuePeriodID}]; ok {
			return ierr.NewError("earnings already recorded").Mark(ierr.ErrAlreadyExists)
		}
	}
	s.runs[run] = struct{}{}
	for _, e := range entries {
		s.earnKeys[earningsKey{e.BandID, e.SubscriberID, e.RevenuePeriodID}] = struct{}{}
		s.earnings = append(s.earnings, e)
		if e.NetCents > 0 {
			s.credit(e.BandID, e.NetCents)
		}
	}
	return nil
}

func (s *Store) EarningsBySubscriber(_ context.Context, subscriber string, period string) ([]model.EarningsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := lo.Filter(s.earnings, func(e model.EarningsEntry, _ int) bool {
		return e.SubscriberID == subscriber && e.RevenuePeriodID == period
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NetCents != entries[j].NetCents {
			return entries[i].NetCents > entries[j].NetCents
		}
		return entries[i].BandID < entries[j].BandID
	})
	return entries, nil
}

func (s *Store) EarningsByBand(_ context.Context, band string, period string) ([]model.EarningsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := lo.Filter(s.earnings, func(e model.EarningsEntry, _ int) bool {
		return e.BandID == band && e.RevenuePeriodID == period
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SubscriberID < entries[j].SubscriberID
	})
	return entries, nil
}

// Баланс артиста

func (s *Store) credit(band string, cents int64) {
	b, ok := s.balances[band]
	if !ok {
		b = &model.ArtistBalance{BandID: band}
		s.balances[band] = b
	}
	b.BalanceCents += cents
	b.LifetimeEarningsCents += cents
}

func (s *Store) reserve(band string, cents int64) error {
	b, ok := s.balances[band]
	if !ok || b.BalanceCents < cents {
		return ierr.NewErrorf("cannot reserve %d cents", cents).
			WithHint("Balance is lower than the requested amount").
			Mark(ierr.ErrInsufficientBalance)
	}
	b.BalanceCents -= cents
	return nil
}

func (s *Store) creditBack(band string, cents int64) error {
	b, ok := s.balances[band]
	if !ok || b.BalanceCents+cents > b.LifetimeEarningsCents {
		return ierr.NewErrorf("credit back of %d cents exceeds lifetime earnings", cents).
			Mark(ierr.ErrLedgerInvariant)
	}
	b.BalanceCents += cents
	return nil
}

func (s *Store) BalanceGet(_ context.Context, band string) (model.ArtistBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[band]
	if !ok {
		return model.ArtistBalance{}, ierr.NewError("artist balance not found").Mark(ierr.ErrNotFound)
	}
	return *b, nil
}

func (s *Store) BalanceCredit(_ context.Context, band string, cents int64) error {
	if err := validAmount(cents); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(band, cents)
	return nil
}

func (s *Store) BalanceEnsureForOwner(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, band := range s.bands {
		if band.OwnerID != owner {
			continue
		}
		if _, ok := s.balances[band.ID]; !ok {
			s.balances[band.ID] = &model.ArtistBalance{BandID: band.ID}
		}
	}
	return nil
}

func (s *Store) BalancesByOwner(_ context.Context) ([]model.OwnerBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byOwner := make(map[string][]model.ArtistBalance)
	for id, b := range s.balances {
		band, ok := s.bands[id]
		if !ok {
			continue
		}
		byOwner[band.OwnerID] = append(byOwner[band.OwnerID], *b)
	}
	owners := lo.Keys(byOwner)
	sort.Strings(owners)
	result := make([]model.OwnerBalance, 0, len(owners))
	for _, owner := range owners {
		bands := byOwner[owner]
		sort.Slice(bands, func(i, j int) bool { return bands[i].BandID < bands[j].BandID })
		result = append(result, model.OwnerBalance{OwnerID: owner, Bands: bands})
	}
	return result, nil
}

// Выплаты

func (s *Store) PayoutCreate(_ context.Context, payout model.Payout) (model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[payout.BandID]
	if !ok {
		return model.Payout{}, ierr.NewError("artist balance not found").Mark(ierr.ErrNotFound)
	}
	if b.BalanceCents <= 0 {
		return model.Payout{}, ierr.NewError("nothing to reserve").
			WithHint("Balance is empty").
			Mark(ierr.ErrInsufficientBalance)
	}
	if _, ok := s.payouts[payout.ID]; ok {
		return model.Payout{}, ierr.NewError("payout already exists").Mark(ierr.ErrAlreadyExists)
	}
	payout.AmountCents = b.BalanceCents
	payout.Status = model.PayoutStatusPending
	if err := s.reserve(payout.BandID, payout.AmountCents); err != nil {
		return model.Payout{}, err
	}
	stored := payout
	s.payouts[payout.ID] = &stored
	return payout, nil
}

func (s *Store) PayoutComplete(_ context.Context, ids []string, transferRef string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := 0
	for _, id := range ids {
		p, ok := s.payouts[id]
		if !ok || p.Status != model.PayoutStatusPending {
			continue
		}
		p.Status = model.PayoutStatusCompleted
		p.ExternalTransferRef = transferRef
		processed := at
		p.ProcessedAt = &processed
		if b, ok := s.balances[p.BandID]; ok {
			last := at
			b.LastPayoutAt = &last
		}
		completed++
	}
	return completed, nil
}

func (s *Store) PayoutFail(_ context.Context, id string, message string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok || p.Status != model.PayoutStatusPending {
		return false, nil
	}
	if err := s.creditBack(p.BandID, p.AmountCents); err != nil {
		return false, err
	}
	p.Status = model.PayoutStatusFailed
	p.ErrorMessage = message
	processed := at
	p.ProcessedAt = &processed
	return true, nil
}

func (s *Store) PayoutGet(_ context.Context, id string) (model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return model.Payout{}, ierr.NewError("payout not found").Mark(ierr.ErrNotFound)
	}
	return *p, nil
}

func (s *Store) listPayouts(keep func(p *model.Payout) bool) []model.Payout {
	var payouts []model.Payout
	for _, p := range s.payouts {
		if keep(p) {
			payouts = append(payouts, *p)
		}
	}
	return payouts
}

func newestFirst(payouts []model.Payout) {
	sort.Slice(payouts, func(i, j int) bool {
		if !payouts[i].CreatedAt.Equal(payouts[j].CreatedAt) {
			return payouts[i].CreatedAt.After(payouts[j].CreatedAt)
		}
		return payouts[i].ID > payouts[j].ID
	})
}

func (s *Store) PayoutListByBand(_ context.Context, band string) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts := s.listPayouts(func(p *model.Payout) bool { return p.BandID == band })
	newestFirst(payouts)
	return payouts, nil
}

func (s *Store) PayoutListPending(_ context.Context, createdBefore time.Time) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts := s.listPayouts(func(p *model.Payout) bool {
		return p.Status == model.PayoutStatusPending && p.CreatedAt.Before(createdBefore)
	})
	sort.Slice(payouts, func(i, j int) bool {
		if payouts[i].TransferKey != payouts[j].TransferKey {
			return payouts[i].TransferKey < payouts[j].TransferKey
		}
		return payouts[i].ID < payouts[j].ID
	})
	return payouts, nil
}

func (s *Store) PayoutList(_ context.Context) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payouts := s.listPayouts(func(*model.Payout) bool { return true })
	newestFirst(payouts)
	return payouts, nil
}

// Платежные аккаунты

func (s *Store) PayoutAccountGet(_ context.Context, owner string) (model.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[owner]
	if !ok {
		return model.PayoutAccount{}, ierr.NewError("payout account not found").Mark(ierr.ErrNotFound)
	}
	return *acc, nil
}

func (s *Store) byRef(ref string) *model.PayoutAccount {
	if ref == "" {
		return nil
	}
	for _, acc := range s.accounts {
		if acc.ExternalAccountRef == ref {
			return acc
		}
	}
	return nil
}

func (s *Store) PayoutAccountConnect(_ context.Context, account model.PayoutAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other := s.byRef(account.ExternalAccountRef); other != nil && other.OwnerID != account.OwnerID {
		return ierr.NewError("account is connected to another owner").
			WithHint("This payout account is already linked").
			Mark(ierr.ErrAlreadyExists)
	}
	stored := account
	s.accounts[account.OwnerID] = &stored
	return nil
}

func (s *Store) PayoutAccountSetStatus(_ context.Context, accountRef string, status string, at time.Time) (model.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.byRef(accountRef)
	if acc == nil {
		return model.PayoutAccount{}, ierr.NewError("payout account not found").Mark(ierr.ErrNotFound)
	}
	acc.Status = status
	acc.UpdatedAt = at
	return *acc, nil
}

func (s *Store) PayoutAccountDisconnect(_ context.Context, accountRef string, at time.Time) (model.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.byRef(accountRef)
	if acc == nil {
		return model.PayoutAccount{}, ierr.NewError("payout account not found").Mark(ierr.ErrNotFound)
	}
	acc.Status = model.PayoutAccountStatusNotConnected
	acc.ExternalAccountRef = ""
	acc.UpdatedAt = at
	return *acc, nil
}
