package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/artistledger/internal/account"
	"github.com/iurnickita/artistledger/internal/attribution"
	"github.com/iurnickita/artistledger/internal/auth"
	"github.com/iurnickita/artistledger/internal/balance"
	"github.com/iurnickita/artistledger/internal/cache"
	"github.com/iurnickita/artistledger/internal/config"
	"github.com/iurnickita/artistledger/internal/handler"
	"github.com/iurnickita/artistledger/internal/logger"
	"github.com/iurnickita/artistledger/internal/payout"
	payoutConfig "github.com/iurnickita/artistledger/internal/payout/config"
	"github.com/iurnickita/artistledger/internal/payout/gateway"
	"github.com/iurnickita/artistledger/internal/payout/gateway/httpgw"
	"github.com/iurnickita/artistledger/internal/payout/gateway/stripegw"
	"github.com/iurnickita/artistledger/internal/service"
	"github.com/iurnickita/artistledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.GetConfig(*configPath)
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	auth := auth.NewAuth(cfg.Auth, zaplog)

	// artistledger token -sub <id> -role <role>
	if flag.Arg(0) == "token" {
		return printToken(auth, flag.Args()[1:])
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts := cache.NewAccountStatusCache(cfg.Payout.AccountCacheTTL)
	balance := balance.NewBalance(store, zaplog)

	engine, err := attribution.NewEngine(cfg.Attribution, store, zaplog)
	if err != nil {
		return err
	}
	dispatcher := payout.NewDispatcher(cfg.Payout, store, newGateway(cfg.Payout, zaplog), accounts, zaplog)
	reconciler := account.NewReconciler(cfg.Account, store, balance, accounts, zaplog)
	service := service.NewService(cfg.Service, store, balance, engine, dispatcher, reconciler, zaplog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go service.RunJobs(ctx)

	zaplog.Info("artistledger started",
		zap.String("store", cfg.Store.Driver),
		zap.String("gateway", cfg.Payout.Gateway.Provider),
		zap.String("artist_share", cfg.Attribution.ArtistShare))
	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}

func newGateway(cfg payoutConfig.Config, zaplog *zap.Logger) gateway.Gateway {
	switch cfg.Gateway.Provider {
	case payoutConfig.ProviderHTTP:
		return httpgw.New(cfg.Gateway.HTTPBaseURL, cfg.Gateway.HTTPToken, cfg.GatewayTimeout)
	default:
		return stripegw.New(cfg.Gateway.StripeSecretKey, zaplog)
	}
}

func printToken(a auth.Auth, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject: owner, subscriber or operator id")
	role := fs.String("role", auth.RoleAdmin, "admin, artist or subscriber")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := a.NewToken(*sub, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
