package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/ledgergate/internal/api"
	"github.com/punchamoorthee/ledgergate/internal/auth"
	"github.com/punchamoorthee/ledgergate/internal/chain"
	"github.com/punchamoorthee/ledgergate/internal/config"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/payment"
	"github.com/punchamoorthee/ledgergate/internal/service"
	"github.com/punchamoorthee/ledgergate/internal/store"
	"github.com/punchamoorthee/ledgergate/internal/submitter"
	"github.com/punchamoorthee/ledgergate/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to open %s store: %v", cfg.StoreBackend, err)
	}
	defer backend.Close()

	ledger, eth, err := chain.Dial(ctx, cfg.RPCURL, cfg.OperatorKey, cfg.ChainID, cfg.GasLimit)
	if err != nil {
		log.Fatalf("Unable to connect to ledger: %v", err)
	}
	defer eth.Close()

	registry, err := chain.NewRegistry(cfg.ContractAddress)
	if err != nil {
		log.Fatal(err)
	}

	sub := submitter.New(ledger, submitter.Config{
		MaxAttempts: cfg.SubmitMaxAttempts,
		Backoff:     cfg.SubmitBackoff,
	}, logger)
	sub.Start(ctx)
	defer sub.Stop()

	matchers, err := watcher.DefaultMatchers(registry.Address())
	if err != nil {
		log.Fatal(err)
	}
	w := watcher.New(ledger, matchers, cfg.ReceiptPollInterval, logger)

	gateOpts := []payment.GateOption{
		payment.WithTimeouts(cfg.VerifyTimeout, cfg.SettleTimeout),
		payment.WithLogger(logger),
	}
	if cfg.LegacyProofs {
		gateOpts = append(gateOpts, payment.WithOnchainProofs(payment.NewOnchainVerifier(ledger)))
	}
	gate := payment.NewGate(backend, payment.NewFacilitatorClient(cfg.FacilitatorURL), gateOpts...)

	svc := service.NewActionService(gate, backend, sub, w, service.RegistrationCall(registry), service.Options{
		Pricing: payment.Pricing{
			PriceUSD:       cfg.PriceUSD,
			Network:        cfg.PaymentNetwork,
			Asset:          cfg.PaymentAsset,
			PayTo:          cfg.PayTo,
			Description:    cfg.PaymentDescription,
			TimeoutSeconds: cfg.PaymentTimeoutSecs,
		},
		CooldownWindow: cfg.CooldownWindow,
		ReceiptTimeout: cfg.ReceiptTimeout,
		ExplorerURL:    cfg.ExplorerURL,
		Logger:         logger,
	})

	handler := api.NewHandler(svc, api.Options{
		LegacyProofs: cfg.LegacyProofs,
		PriceUSD:     cfg.PriceUSD,
		Cooldown:     cfg.CooldownWindow,
		Logger:       logger,
	})

	var limiter *api.IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx, 5*time.Minute)
	}

	// Router
	r := api.NewRouter(handler, auth.NewVerifier(cfg.SIWADomain, cfg.SIWAMaxAge), limiter)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// in-flight paid actions finish before the submitter and store close
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ReceiptTimeout+10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	logger.Info("server starting",
		"port", cfg.Port,
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"operator", ledger.Address().Hex(),
		"registry", registry.Address().Hex(),
		"chain_id", cfg.ChainID,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		stop()
	}
	<-shutdownDone
	logger.Info("server stopped")
}
