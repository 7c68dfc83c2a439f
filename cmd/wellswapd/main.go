package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wellswap/config"
	"wellswap/gateway"
	"wellswap/ledger"
	"wellswap/notify"
	"wellswap/observability/logging"
	"wellswap/observability/metrics"
	obsotel "wellswap/observability/otel"
	"wellswap/oracle"
	"wellswap/settlement"
	"wellswap/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("wellswapd", "", logging.Options{}).Error("load configuration", "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("wellswapd", cfg.Environment, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  64,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryMetrics || cfg.TelemetryTraces {
		shutdown, err := obsotel.Init(ctx, obsotel.Config{
			ServiceName: "wellswapd",
			Environment: cfg.Environment,
			Endpoint:    cfg.TelemetryEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Headers:     obsotel.ParseHeaders(cfg.TelemetryHeaders),
			Metrics:     cfg.TelemetryMetrics,
			Traces:      cfg.TelemetryTraces,
		})
		if err != nil {
			logger.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}

	signerKey, err := cfg.SignerKey()
	if err != nil {
		logger.Error("resolve signer key", "err", err)
		os.Exit(1)
	}
	client, err := ledger.DialEVM(ctx, cfg.ChainRPCURL, signerKey, common.HexToAddress(cfg.ContractAddress),
		ledger.WithConfirmations(cfg.ChainConfirmations))
	if err != nil {
		logger.Error("connect ledger", "err", err)
		os.Exit(1)
	}
	market, err := ledger.NewMarketplace(client, common.HexToAddress(cfg.TreasuryAddress), cfg.CommissionBps)
	if err != nil {
		logger.Error("wire marketplace", "err", err)
		os.Exit(1)
	}

	primary := oracle.NewCoinGeckoSource(nil, "", cfg.OracleAssetID, cfg.OracleFiat)
	var fallback oracle.Source
	if cfg.FeedAddress != "" {
		feed, err := ledger.NewAggregatorFeed(client, common.HexToAddress(cfg.FeedAddress))
		if err != nil {
			logger.Error("wire price feed", "err", err)
			os.Exit(1)
		}
		fallback = oracle.NewChainFeedSource(feed)
	}
	cache := oracle.NewQuoteCache(time.Duration(cfg.OracleTTLSeconds) * time.Second)
	converter, err := oracle.NewConverter(primary, fallback, cache, cfg.NativeDecimals)
	if err != nil {
		logger.Error("wire oracle", "err", err)
		os.Exit(1)
	}

	platform := common.HexToAddress(cfg.PlatformAddress)
	engine, err := settlement.NewEngine(store, market, converter, platform, settlement.FeePolicy{
		RegistrationFeeCents: cfg.RegistrationFeeCents,
		PlatformFeeCents:     cfg.PlatformFeeCents,
		CommissionBps:        cfg.CommissionBps,
	})
	if err != nil {
		logger.Error("wire settlement engine", "err", err)
		os.Exit(1)
	}
	for _, admin := range cfg.AdminAddresses {
		engine.AddAdmin(common.HexToAddress(admin))
	}

	queue := notify.NewQueue()
	endpoints := make([]notify.Endpoint, 0, len(cfg.Webhooks))
	for _, hook := range cfg.Webhooks {
		endpoints = append(endpoints, notify.Endpoint{
			Name:   hook.Name,
			URL:    hook.URL,
			Secret: os.Getenv(hook.SecretEnv),
			Types:  hook.Types,
		})
	}
	dispatcher := notify.NewDispatcher(queue, endpoints, logger)
	dispatcher.SetDeliveryObserver(metrics.ObserveWebhookDelivery)
	go dispatcher.Run(ctx)
	engine.SetEmitter(metrics.CountingEmitter(queue))

	monitor, err := settlement.NewRefundMonitor(engine, logger)
	if err != nil {
		logger.Error("wire refund monitor", "err", err)
		os.Exit(1)
	}
	go monitor.Run(ctx, time.Duration(cfg.RefundSweepMinutes)*time.Minute)

	jwtSecret, err := cfg.JWTSecret()
	if err != nil {
		logger.Error("resolve jwt secret", "err", err)
		os.Exit(1)
	}
	auth, err := gateway.NewAuthenticator(jwtSecret)
	if err != nil {
		logger.Error("wire authenticator", "err", err)
		os.Exit(1)
	}
	limiter := gateway.NewRateLimiter(cfg.RateLimitPerMinute)
	server := gateway.NewServer(engine, monitor, auth, limiter, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Router(), "wellswap.gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("wellswapd listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "err", err)
		os.Exit(1)
	}
}
