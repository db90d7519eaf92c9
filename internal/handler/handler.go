package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/attribution"
	"github.com/iurnickita/artistledger/internal/auth"
	ierr "github.com/iurnickita/artistledger/internal/errors"
	"github.com/iurnickita/artistledger/internal/handler/config"
	"github.com/iurnickita/artistledger/internal/logger"
	"github.com/iurnickita/artistledger/internal/model"
	"github.com/iurnickita/artistledger/internal/payout"
	"github.com/iurnickita/artistledger/internal/service"
)

const (
	defaultMaxBodyBytes    = 1 << 16
	defaultShutdownTimeout = 10 * time.Second
	headerStripeSignature  = "Stripe-Signature"
)

// Serve runs the HTTP API until ctx is done.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(cfg, auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	cfg     config.Config
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &handler{
		cfg:     cfg,
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	// дашборды
	mux.HandleFunc("GET /api/bands/{id}/balance", logger.RequestLogMdlw(h.auth.Middleware(h.GetBandBalance, auth.RoleArtist), h.zaplog))
	mux.HandleFunc("GET /api/bands/{id}/payouts", logger.RequestLogMdlw(h.auth.Middleware(h.GetBandPayouts, auth.RoleArtist), h.zaplog))
	mux.HandleFunc("GET /api/subscribers/{id}/funding", logger.RequestLogMdlw(h.auth.Middleware(h.GetSubscriberFunding, auth.RoleSubscriber), h.zaplog))
	// администрирование
	mux.HandleFunc("GET /api/admin/payouts/eligible", logger.RequestLogMdlw(h.auth.Middleware(h.GetEligible, auth.RoleAdmin), h.zaplog))
	mux.HandleFunc("GET /api/admin/payouts/groups", logger.RequestLogMdlw(h.auth.Middleware(h.GetPayoutGroups, auth.RoleAdmin), h.zaplog))
	mux.HandleFunc("POST /api/admin/periods", logger.RequestLogMdlw(h.auth.Middleware(h.PostPeriod, auth.RoleAdmin), h.zaplog))
	mux.HandleFunc("POST /api/admin/periods/{id}/attribute", logger.RequestLogMdlw(h.auth.Middleware(h.PostAttribute, auth.RoleAdmin), h.zaplog))
	mux.HandleFunc("POST /api/admin/payouts/run", logger.RequestLogMdlw(h.auth.Middleware(h.PostPayoutRun, auth.RoleAdmin), h.zaplog))
	mux.HandleFunc("POST /api/admin/accounts", logger.RequestLogMdlw(h.auth.Middleware(h.PostAccount, auth.RoleAdmin), h.zaplog))
	// уведомления процессора, проверяются подписью
	mux.HandleFunc("POST /api/webhooks/stripe", logger.RequestLogMdlw(h.PostStripeWebhook, h.zaplog))

	return mux
}

func isAdmin(r *http.Request) bool {
	return r.Header.Get(auth.HeaderRoleKey) == auth.RoleAdmin
}

func subject(r *http.Request) string {
	return r.Header.Get(auth.HeaderSubjectKey)
}

type ErrorJSONResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError sends the error code and the caller-safe hint. Raw error text
// stays in the log.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ierr.HTTPStatusFromErr(err)
	message := http.StatusText(status)
	if hints := ierr.Hints(err); len(hints) > 0 && status < http.StatusInternalServerError {
		message = hints[0]
	}
	if status >= http.StatusInternalServerError {
		h.zaplog.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Strings("details", ierr.Details(err)),
			zap.Error(err))
	} else {
		h.zaplog.Info("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.writeJSON(w, status, ErrorJSONResponse{Code: ierr.Code(err), Message: message})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

func (h *handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ierr.WithError(err).
			WithHint("Request body is not valid JSON").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// ownBand returns the band when the caller owns it or is an admin.
func (h *handler) ownBand(r *http.Request) (model.Band, error) {
	band, err := h.service.BandGet(r.Context(), r.PathValue("id"))
	if err != nil {
		return model.Band{}, err
	}
	if !isAdmin(r) && band.OwnerID != subject(r) {
		// чужая группа неотличима от несуществующей
		return model.Band{}, ierr.NewError("band belongs to another owner").
			WithHint("Band not found").
			Mark(ierr.ErrNotFound)
	}
	return band, nil
}

type BandBalanceJSONResponse struct {
	BandID                string     `json:"band_id"`
	BalanceCents          int64      `json:"balance_cents"`
	LifetimeEarningsCents int64      `json:"lifetime_earnings_cents"`
	PeriodID              string     `json:"period_id,omitempty"`
	PeriodEarningsCents   int64      `json:"period_earnings_cents"`
	PendingPayoutCents    int64      `json:"pending_payout_cents"`
	LastPayoutAt          *time.Time `json:"last_payout_at,omitempty"`
}

func (h *handler) GetBandBalance(w http.ResponseWriter, r *http.Request) {
	band, err := h.ownBand(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.service.BandSummary(r.Context(), band.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BandBalanceJSONResponse{
		BandID:                summary.BandID,
		BalanceCents:          summary.BalanceCents,
		LifetimeEarningsCents: summary.LifetimeEarningsCents,
		PeriodID:              summary.PeriodID,
		PeriodEarningsCents:   summary.PeriodEarningsCents,
		PendingPayoutCents:    summary.PendingPayoutCents,
		LastPayoutAt:          summary.LastPayoutAt,
	})
}

type PayoutJSONResponse struct {
	ID                  string     `json:"id"`
	BandID              string     `json:"band_id"`
	AmountCents         int64      `json:"amount_cents"`
	Status              string     `json:"status"`
	ExternalTransferRef string     `json:"external_transfer_ref,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
}

// payoutJSON: текст ошибки процессора виден только администратору
func payoutJSON(p model.Payout, admin bool) PayoutJSONResponse {
	resp := PayoutJSONResponse{
		ID:                  p.ID,
		BandID:              p.BandID,
		AmountCents:         p.AmountCents,
		Status:              p.Status,
		ExternalTransferRef: p.ExternalTransferRef,
		CreatedAt:           p.CreatedAt,
		ProcessedAt:         p.ProcessedAt,
	}
	if admin {
		resp.ErrorMessage = p.ErrorMessage
	}
	return resp
}

func (h *handler) GetBandPayouts(w http.ResponseWriter, r *http.Request) {
	band, err := h.ownBand(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	payouts, err := h.service.BandPayouts(r.Context(), band.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(payouts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	admin := isAdmin(r)
	h.writeJSON(w, http.StatusOK, lo.Map(payouts, func(p model.Payout, _ int) PayoutJSONResponse {
		return payoutJSON(p, admin)
	}))
}

type FundedBandJSON struct {
	BandID           string `json:"band_id"`
	StreamCount      int64  `json:"stream_count"`
	ListeningSeconds int64  `json:"listening_seconds"`
	Cents            int64  `json:"cents"`
}

type FundingJSONResponse struct {
	SubscriberID string           `json:"subscriber_id"`
	PeriodID     string           `json:"period_id,omitempty"`
	TotalCents   int64            `json:"total_cents"`
	Bands        []FundedBandJSON `json:"bands"`
}

func (h *handler) GetSubscriberFunding(w http.ResponseWriter, r *http.Request) {
	subscriber := r.PathValue("id")
	if !isAdmin(r) && subscriber != subject(r) {
		h.writeError(w, r, ierr.NewError("funding of another subscriber").
			WithHint("Access denied").
			Mark(ierr.ErrPermissionDenied))
		return
	}
	funding, err := h.service.SubscriberFunding(r.Context(), subscriber, r.URL.Query().Get("period"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, FundingJSONResponse{
		SubscriberID: funding.SubscriberID,
		PeriodID:     funding.PeriodID,
		TotalCents:   funding.TotalCents,
		Bands: lo.Map(funding.Bands, func(b service.FundedBand, _ int) FundedBandJSON {
			return FundedBandJSON{
				BandID:           b.BandID,
				StreamCount:      b.StreamCount,
				ListeningSeconds: b.ListeningSeconds,
				Cents:            b.NetCents,
			}
		}),
	})
}

type EligibilityJSONResponse struct {
	OwnerID       string   `json:"owner_id"`
	AccountStatus string   `json:"account_status"`
	TotalCents    int64    `json:"total_cents"`
	BandIDs       []string `json:"band_ids"`
	Reason        string   `json:"reason"`
}

func (h *handler) GetEligible(w http.ResponseWriter, r *http.Request) {
	eligible, err := h.service.Eligible(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lo.Map(eligible, func(e payout.Eligibility, _ int) EligibilityJSONResponse {
		return EligibilityJSONResponse{
			OwnerID:       e.OwnerID,
			AccountStatus: e.AccountStatus,
			TotalCents:    e.TotalCents,
			BandIDs:       lo.Map(e.Bands, func(b model.ArtistBalance, _ int) string { return b.BandID }),
			Reason:        e.Reason,
		}
	}))
}

type PayoutGroupJSONResponse struct {
	TransferKey         string               `json:"transfer_key"`
	ExternalTransferRef string               `json:"external_transfer_ref,omitempty"`
	Status              string               `json:"status"`
	TotalCents          int64                `json:"total_cents"`
	ErrorMessage        string               `json:"error_message,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	ProcessedAt         *time.Time           `json:"processed_at,omitempty"`
	Payouts             []PayoutJSONResponse `json:"payouts"`
}

func (h *handler) GetPayoutGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.PayoutGroups(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, lo.Map(groups, func(g service.PayoutGroup, _ int) PayoutGroupJSONResponse {
		return PayoutGroupJSONResponse{
			TransferKey:         g.TransferKey,
			ExternalTransferRef: g.ExternalTransferRef,
			Status:              g.Status,
			TotalCents:          g.TotalCents,
			ErrorMessage:        g.ErrorMessage,
			CreatedAt:           g.CreatedAt,
			ProcessedAt:         g.ProcessedAt,
			Payouts:             lo.Map(g.Payouts, func(p model.Payout, _ int) PayoutJSONResponse { return payoutJSON(p, true) }),
		}
	}))
}

type PostPeriodJSONRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type PeriodJSONResponse struct {
	ID          string    `json:"id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Status      string    `json:"status"`
}

func (h *handler) PostPeriod(w http.ResponseWriter, r *http.Request) {
	var req PostPeriodJSONRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := h.service.CreatePeriod(r.Context(), req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, PeriodJSONResponse{
		ID:          period.ID,
		PeriodStart: period.PeriodStart,
		PeriodEnd:   period.PeriodEnd,
		Status:      period.Status,
	})
}

type AttributeJSONResponse struct {
	PeriodID          string `json:"period_id"`
	AlreadyAttributed bool   `json:"already_attributed"`
	Subscribers       int    `json:"subscribers"`
	Attributed        int    `json:"attributed"`
	Skipped           int    `json:"skipped"`
	Failed            int    `json:"failed"`
	DistributedCents  int64  `json:"distributed_cents"`
	UnallocatedCents  int64  `json:"unallocated_cents"`
}

func attributeJSON(res attribution.RunResult) AttributeJSONResponse {
	return AttributeJSONResponse{
		PeriodID:          res.PeriodID,
		AlreadyAttributed: res.AlreadyAttributed,
		Subscribers:       res.Subscribers,
		Attributed:        res.Attributed,
		Skipped:           res.Skipped,
		Failed:            res.Failed,
		DistributedCents:  res.DistributedCents,
		UnallocatedCents:  res.UnallocatedCents,
	}
}

func (h *handler) PostAttribute(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.AttributePeriod(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, attributeJSON(res))
}

type PayoutRunJSONResponse struct {
	Owners    int   `json:"owners"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Pending   int   `json:"pending"`
	Conflicts int   `json:"conflicts"`
	Errors    int   `json:"errors"`
	PaidCents int64 `json:"paid_cents"`
}

func (h *handler) PostPayoutRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RunPayouts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PayoutRunJSONResponse{
		Owners:    res.Owners,
		Completed: res.Completed,
		Failed:    res.Failed,
		Pending:   res.Pending,
		Conflicts: res.Conflicts,
		Errors:    res.Errors,
		PaidCents: res.PaidCents,
	})
}

type PostAccountJSONRequest struct {
	OwnerID    string `json:"owner_id"`
	AccountRef string `json:"account_ref"`
}

type AccountJSONResponse struct {
	OwnerID    string `json:"owner_id"`
	AccountRef string `json:"account_ref"`
	Status     string `json:"status"`
}

func (h *handler) PostAccount(w http.ResponseWriter, r *http.Request) {
	var req PostAccountJSONRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	acc, err := h.service.ConnectAccount(r.Context(), req.OwnerID, req.AccountRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, AccountJSONResponse{
		OwnerID:    acc.OwnerID,
		AccountRef: acc.ExternalAccountRef,
		Status:     acc.Status,
	})
}

func (h *handler) PostStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	payload, err := logger.ReadBody(r)
	if err != nil {
		h.writeError(w, r, ierr.WithError(err).WithHint("Cannot read body").Mark(ierr.ErrValidation))
		return
	}
	if err := h.service.HandleStripeWebhook(r.Context(), payload, r.Header.Get(headerStripeSignature)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
