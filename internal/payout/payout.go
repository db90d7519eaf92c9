// Package payout moves artist balances to connected payout accounts.
//
// Money leaves the ledger in three steps: the whole balance of a band is
// reserved together with a pending Payout row, the owner's pending rows are
// sent as a single transfer, and the outcome of the transfer decides whether
// the rows are completed or failed and credited back. A transfer with an
// unknown outcome is never resent; Sweep asks the gateway what happened.
package payout

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/cache"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/payout/config"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
	"github.com/iurnickita/artistledger/internal/store"
)

// Причина (не)готовности владельца к выплате
const (
	ReasonReady            = "ready"
	ReasonBelowMinimum     = "below_minimum"
	ReasonNoAccount        = "no_account"
	ReasonAccountNotActive = "account_not_active"
)

// Итог отправки группы выплат
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

type Eligibility struct {
	OwnerID       string
	AccountRef    string
	AccountStatus string
	TotalCents    int64
	Bands         []model.ArtistBalance
	Reason        string
}

type OwnerResult struct {
	OwnerID     string
	TransferKey string
	Payouts     []model.Payout
	Outcome     string
	Conflicts   int
	Errors      []error
}

type RunResult struct {
	Owners    int
	Completed int
	Failed    int
	Pending   int
	Conflicts int
	Errors    int
	PaidCents int64
	OwnerRuns []OwnerResult
}

type SweepResult struct {
	Groups    int
	Completed int
	Failed    int
	Unknown   int
}

type Dispatcher struct {
	cfg      config.Config
	store    store.Store
	gateway  gateway.Gateway
	accounts *cache.AccountStatusCache
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(cfg config.Config, store store.Store, gw gateway.Gateway, accounts *cache.AccountStatusCache, zaplog *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		gateway:  gw,
		accounts: accounts,
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// account returns the owner's payout account. An owner without an account
// row gets a not_connected account.
func (d *Dispatcher) account(ctx context.Context, owner string) (model.PayoutAccount, error) {
	if acc, ok := d.accounts.Get(owner); ok {
		return acc, nil
	}
	acc, err := d.store.PayoutAccountGet(ctx, owner)
	if ierr.IsNotFound(err) {
		acc = model.PayoutAccount{OwnerID: owner, Status: model.PayoutAccountStatusNotConnected}
	} else if err != nil {
		return model.PayoutAccount{}, err
	}
	d.accounts.Set(acc)
	return acc, nil
}

// ListEligible sums balances per owner and explains for each owner whether
// a payout can be made right now.
func (d *Dispatcher) ListEligible(ctx context.Context) ([]Eligibility, error) {
	owners, err := d.store.BalancesByOwner(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]Eligibility, 0, len(owners))
	for _, owner := range owners {
		acc, err := d.account(ctx, owner.OwnerID)
		if err != nil {
			return nil, err
		}
		e := Eligibility{
			OwnerID:       owner.OwnerID,
			AccountRef:    acc.ExternalAccountRef,
			AccountStatus: acc.Status,
			TotalCents:    lo.SumBy(owner.Bands, func(b model.ArtistBalance) int64 { return b.BalanceCents }),
			Bands:         owner.Bands,
		}
		e.Reason = d.reason(acc, e.TotalCents)
		result = append(result, e)
	}
	return result, nil
}

func (d *Dispatcher) reason(acc model.PayoutAccount, total int64) string {
	switch {
	case acc.Status == model.PayoutAccountStatusNotConnected || acc.ExternalAccountRef == "":
		return ReasonNoAccount
	case acc.Status != model.PayoutAccountStatusActive:
		return ReasonAccountNotActive
	case total < d.cfg.MinimumCents:
		return ReasonBelowMinimum
	default:
		return ReasonReady
	}
}

// ReasonError turns a non-ready reason into an eligibility error.
func ReasonError(e Eligibility) error {
	if e.Reason == ReasonReady {
		return nil
	}
	return ierr.NewErrorf("owner %s is not eligible: %s", e.OwnerID, e.Reason).
		WithHint(e.Reason).
		Mark(ierr.ErrEligibility)
}

// CreatePayout reserves the band's whole balance and records a pending
// payout for it in one step. When two calls race for the same balance one of
// them gets ErrInsufficientBalance.
func (d *Dispatcher) CreatePayout(ctx context.Context, band string, payoutID string, transferKey string) (model.Payout, error) {
	if band == "" {
		return model.Payout{}, ierr.NewError("band id is empty").Mark(ierr.ErrValidation)
	}
	if payoutID == "" {
		payoutID = model.NewID(model.IDPrefixPayout)
	}
	if transferKey == "" {
		transferKey = payoutID
	}
	return d.store.PayoutCreate(ctx, model.Payout{
		ID:          payoutID,
		BandID:      band,
		TransferKey: transferKey,
		CreatedAt:   d.now().UTC(),
	})
}

// Run pays every ready owner. Owners are processed in parallel and a
// failure for one owner or band does not stop the others.
func (d *Dispatcher) Run(ctx context.Context) (RunResult, error) {
	var result RunResult
	eligible, err := d.ListEligible(ctx)
	if err != nil {
		return result, err
	}
	ready := lo.Filter(eligible, func(e Eligibility, _ int) bool {
		if err := ReasonError(e); err != nil {
			d.zaplog.Debug("owner skipped",
				zap.String("owner_id", e.OwnerID),
				zap.Error(err))
			return false
		}
		return true
	})
	result.Owners = len(ready)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(d.cfg.Workers)
	for _, e := range ready {
		p.Go(func() {
			res := d.runOwner(ctx, e)
			mu.Lock()
			result.OwnerRuns = append(result.OwnerRuns, res)
			mu.Unlock()
		})
	}
	p.Wait()

	sort.Slice(result.OwnerRuns, func(i, j int) bool {
		return result.OwnerRuns[i].OwnerID < result.OwnerRuns[j].OwnerID
	})
	for _, res := range result.OwnerRuns {
		result.Conflicts += res.Conflicts
		result.Errors += len(res.Errors)
		switch res.Outcome {
		case OutcomeCompleted:
			result.Completed++
			result.PaidCents += lo.SumBy(res.Payouts, func(p model.Payout) int64 { return p.AmountCents })
		case OutcomeFailed:
			result.Failed++
		case OutcomePending:
			result.Pending++
		}
	}

	d.zaplog.Info("payout run finished",
		zap.Int("owners", result.Owners),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("errors", result.Errors),
		zap.Int64("paid_cents", result.PaidCents),
	)
	return result, nil
}

func (d *Dispatcher) runOwner(ctx context.Context, e Eligibility) OwnerResult {
	res := OwnerResult{OwnerID: e.OwnerID}

	for _, band := range e.Bands {
		if band.BalanceCents <= 0 {
			continue
		}
		id := model.NewID(model.IDPrefixPayout)
		key := res.TransferKey
		if key == "" {
			key = id
		}
		p, err := d.CreatePayout(ctx, band.BandID, id, key)
		switch {
		case ierr.IsInsufficientBalance(err):
			// баланс уже зарезервирован другой выплатой
			res.Conflicts++
			d.zaplog.Info("reservation lost",
				zap.String("band_id", band.BandID),
				zap.Error(ierr.WithError(err).Mark(ierr.ErrReservationConflict)))
			continue
		case err != nil:
			res.Errors = append(res.Errors, err)
			d.zaplog.Error("create payout failed",
				zap.String("owner_id", e.OwnerID),
				zap.String("band_id", band.BandID),
				zap.Error(err))
			continue
		}
		res.TransferKey = key
		res.Payouts = append(res.Payouts, p)
	}
	if len(res.Payouts) == 0 {
		return res
	}

	outcome, err := d.Dispatch(ctx, e.AccountRef, res.Payouts...)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	res.Outcome = outcome
	return res
}

// Dispatch sends the payouts as one transfer of their summed amount. The
// payouts must share a transfer key, which is used as the idempotency key.
//
// A rejected transfer fails every payout and credits its amount back. Any
// other error leaves the payouts pending for Sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, destination string, payouts ...model.Payout) (string, error) {
	if len(payouts) == 0 {
		return "", ierr.NewError("nothing to dispatch").Mark(ierr.ErrValidation)
	}
	key := transferKey(payouts[0])
	for _, p := range payouts {
		if transferKey(p) != key {
			return "", ierr.NewErrorf("payout %s belongs to transfer %s, not %s", p.ID, transferKey(p), key).
				Mark(ierr.ErrValidation)
		}
	}
	ids := lo.Map(payouts, func(p model.Payout, _ int) string { return p.ID })
	total := lo.SumBy(payouts, func(p model.Payout) int64 { return p.AmountCents })

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.GatewayTimeout)
	defer cancel()
	tr, err := d.gateway.CreateTransfer(callCtx, gateway.TransferRequest{
		IdempotencyKey: key,
		Destination:    destination,
		AmountCents:    total,
		Currency:       d.cfg.Currency,
		Metadata: map[string]string{
			"transfer_key": key,
			"payout_ids":   strings.Join(ids, ","),
		},
	})

	switch {
	case err == nil:
		n, err := d.store.PayoutComplete(ctx, ids, tr.Ref, d.now().UTC())
		if err != nil {
			// перевод уже сделан: строки остаются pending и закроются при сверке
			d.zaplog.Error("complete payouts failed",
				zap.String("transfer_key", key),
				zap.String("transfer_ref", tr.Ref),
				zap.Error(err))
			return OutcomePending, err
		}
		if n < len(ids) {
			// часть строк уже закрыта сверкой как failed, деньги вернулись на баланс
			err := ierr.NewErrorf("transfer %s paid %d payouts, only %d were still pending", tr.Ref, len(ids), n).
				WithDetails(map[string]any{
					"transfer_key": key,
					"transfer_ref": tr.Ref,
					"payout_ids":   ids,
				}).
				Mark(ierr.ErrLedgerInvariant)
			d.zaplog.Error("transfer completed for settled payouts",
				zap.String("transfer_key", key),
				zap.String("transfer_ref", tr.Ref),
				zap.Int("payouts", len(ids)),
				zap.Int("completed", n),
				zap.Int64("amount_cents", total),
				zap.Error(err))
			return OutcomeCompleted, err
		}
		d.zaplog.Info("transfer completed",
			zap.String("transfer_key", key),
			zap.String("transfer_ref", tr.Ref),
			zap.Int("payouts", len(payouts)),
			zap.Int64("amount_cents", total))
		return OutcomeCompleted, nil

	case ierr.IsGatewayRejected(err):
		d.zaplog.Warn("transfer rejected",
			zap.String("transfer_key", key),
			zap.String("destination", destination),
			zap.Error(err))
		return OutcomeFailed, d.failAll(ctx, payouts, err.Error())

	default:
		d.zaplog.Warn("transfer outcome unknown, left pending",
			zap.String("transfer_key", key),
			zap.String("destination", destination),
			zap.Error(err))
		return OutcomePending, err
	}
}

// failAll fails each payout and credits it back. A payout that cannot be
// rolled back is logged and skipped.
func (d *Dispatcher) failAll(ctx context.Context, payouts []model.Payout, message string) error {
	var firstErr error
	for _, p := range payouts {
		if _, err := d.store.PayoutFail(ctx, p.ID, message, d.now().UTC()); err != nil {
			d.zaplog.Error("fail payout",
				zap.String("payout_id", p.ID),
				zap.String("band_id", p.BandID),
				zap.Int64("amount_cents", p.AmountCents),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sweep settles pending payouts older than the sweep window by asking the
// gateway whether their transfer exists. Nothing is resent.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	pending, err := d.store.PayoutListPending(ctx, d.now().Add(-d.cfg.SweepAfter))
	if err != nil {
		return result, err
	}
	groups := lo.GroupBy(pending, transferKey)
	keys := lo.Keys(groups)
	sort.Strings(keys)
	result.Groups = len(keys)

	for _, key := range keys {
		payouts := groups[key]
		switch d.settle(ctx, key, payouts) {
		case OutcomeCompleted:
			result.Completed++
		case OutcomeFailed:
			result.Failed++
		default:
			result.Unknown++
		}
	}

	d.zaplog.Info("pending sweep finished",
		zap.Int("groups", result.Groups),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("unknown", result.Unknown),
	)
	return result, nil
}

func (d *Dispatcher) settle(ctx context.Context, key string, payouts []model.Payout) string {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.GatewayTimeout)
	defer cancel()
	tr, err := d.gateway.LookupTransfer(callCtx, key)

	switch {
	case ierr.IsNotFound(err):
		return d.settleFailed(ctx, key, payouts, "transfer was not created by the gateway")
	case err != nil:
		d.zaplog.Warn("transfer lookup failed, left pending",
			zap.String("transfer_key", key),
			zap.Error(err))
		return OutcomePending
	case tr.Reversed:
		return d.settleFailed(ctx, key, payouts, "transfer was reversed by the gateway")
	}

	total := lo.SumBy(payouts, func(p model.Payout) int64 { return p.AmountCents })
	if tr.AmountCents != 0 && tr.AmountCents != total {
		d.zaplog.Warn("transfer amount differs from payouts",
			zap.String("transfer_key", key),
			zap.Int64("transfer_cents", tr.AmountCents),
			zap.Int64("payout_cents", total))
	}
	ids := lo.Map(payouts, func(p model.Payout, _ int) string { return p.ID })
	n, err := d.store.PayoutComplete(ctx, ids, tr.Ref, d.now().UTC())
	if err != nil {
		d.zaplog.Error("complete swept payouts failed",
			zap.String("transfer_key", key),
			zap.Error(err))
		return OutcomePending
	}
	if n < len(ids) {
		d.zaplog.Error("transfer completed for settled payouts",
			zap.String("transfer_key", key),
			zap.String("transfer_ref", tr.Ref),
			zap.Int("payouts", len(ids)),
			zap.Int("completed", n),
			zap.Error(ierr.NewError("swept payouts already settled").Mark(ierr.ErrLedgerInvariant)))
	}
	return OutcomeCompleted
}

func (d *Dispatcher) settleFailed(ctx context.Context, key string, payouts []model.Payout, message string) string {
	d.zaplog.Warn("swept transfer failed",
		zap.String("transfer_key", key),
		zap.String("reason", message))
	if err := d.failAll(ctx, payouts, message); err != nil {
		return OutcomePending
	}
	return OutcomeFailed
}

func transferKey(p model.Payout) string {
	if p.TransferKey != "" {
		return p.TransferKey
	}
	return p.ID
}
