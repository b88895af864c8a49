package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"redeemd/ledger"
	"redeemd/native/rewards"
	"redeemd/observability"
	"redeemd/observability/logging"
	telemetry "redeemd/observability/otel"
	"redeemd/storage/redemptions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "redeemd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/redeemd/config.yaml", "path to redeemd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	env := strings.TrimSpace(os.Getenv("REDEEMD_ENV"))
	logger := logging.Setup("redeemd", env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "redeemd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	tokenSecret, err := resolveSecret(cfg.TokenSecret, cfg.TokenSecretEnv, cfg.TokenSecretFile)
	if err != nil {
		return fmt.Errorf("token secret: %w", err)
	}
	operatorKey, err := resolveSecret(cfg.Ledger.OperatorKey, cfg.Ledger.OperatorKeyEnv, cfg.Ledger.OperatorKeyFile)
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}

	store, err := redemptions.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	codec, err := rewards.NewCodec([]byte(tokenSecret), store)
	if err != nil {
		return err
	}
	pools := newStaticPoolRegistry(cfg.Pools)
	roles := newStaticRoleRegistry(cfg.Roles)
	coordinator, err := rewards.NewCoordinator(codec, store, store, roles, pools, logger)
	if err != nil {
		return err
	}

	signer, err := ledger.NewSigner(operatorKey)
	if err != nil {
		return err
	}
	node := ledger.NewClient(cfg.Ledger.Endpoint, cfg.Ledger.AuthToken, cfg.Ledger.AttemptTimeout.Duration)
	settler, err := ledger.NewSettler(node, signer, ledger.SettlerConfig{
		MaxAttempts:         cfg.Ledger.MaxAttempts,
		AttemptTimeout:      cfg.Ledger.AttemptTimeout.Duration,
		OverallTimeout:      cfg.Ledger.OverallTimeout.Duration,
		ConfirmPollInterval: cfg.Ledger.ConfirmPollInterval.Duration,
		ConfirmationLevel:   cfg.Ledger.ConfirmationLevel,
		BasePriorityFee:     cfg.Ledger.BasePriorityFee,
		PriorityFeeStep:     cfg.Ledger.PriorityFeeStep,
		ComputeLimit:        cfg.Ledger.ComputeLimit,
		ComputeStep:         cfg.Ledger.ComputeStep,
		CheckBalance:        cfg.Ledger.CheckBalance,
		SubmitRate:          cfg.Ledger.SubmitRate,
	}, logger)
	if err != nil {
		return err
	}

	engine, err := rewards.NewEngine(codec, coordinator, settler, logger)
	if err != nil {
		return err
	}

	metrics := observability.Redeem()
	watcher := newBalanceWatcher(node, pools.all(), metrics, cfg.BalancePoll.Duration, logger)
	go watcher.run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           NewServer(engine, cfg.AdminToken, metrics, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("redeemd listening", "addr", cfg.ListenAddress, "pools", len(cfg.Pools))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("redeemd stopped")
	return nil
}
