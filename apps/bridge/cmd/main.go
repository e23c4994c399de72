package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/api"
	"bridge/apps/bridge/internal/chainclient"
	"bridge/apps/bridge/internal/config"
	"bridge/apps/bridge/internal/custody"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/monitor"
	"bridge/apps/bridge/internal/notifier"
	"bridge/apps/bridge/internal/ratelimit"
	"bridge/apps/bridge/internal/repository"
	"bridge/apps/bridge/internal/statemachine"
	"bridge/apps/bridge/internal/swap"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting application with configuration",
		zap.String("db_url", cfg.DbURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.String("custody_base_url", cfg.CustodyBaseURL),
		zap.Int("api_port", cfg.APIPort),
		zap.Int("monitor_shards", cfg.MonitorShards),
	)

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	flowRepository := repository.NewStatusFlowRepository(db, logger)
	checkpointRepository := repository.NewCheckpointRepository(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)
	addressRepository := repository.NewWatchedAddressRepository(db, logger)

	// Chain clients, one per configured network, built once
	registry := buildRegistry(cfg, logger)

	// Custody provider access: push verification + active polling
	gateway := custody.NewGateway(cfg.CustodyWebhookSecret, cfg.CustodyFreshnessWindow, logger)
	pullClient := custody.NewPullClient(cfg.CustodyBaseURL, cfg.CustodyAPIKey, logger)

	limiter := ratelimit.NewPostgresLimiter(db, cfg.WithdrawDailyLimits, logger)
	quoter := swap.NewQuoter(cfg.SwapSlippageBps, cfg.SwapReserveStaleness)

	machine := statemachine.NewMachine(
		orderRepository,
		flowRepository,
		outboxRepository,
		limiter,
		quoter,
		cfg.SwapMinOutput,
		cfg.OrderTTL,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(
		registry,
		pullClient,
		machine,
		orderRepository,
		checkpointRepository,
		cfg.Chains,
		cfg.MonitorShards,
		cfg.CallTimeout,
		logger,
	)
	defer mon.Close()

	// Resume watches that survive restart: registered deposit addresses and
	// in-flight withdrawal orders.
	resumeWatches(ctx, cfg, mon, addressRepository, orderRepository, logger)

	// Create notification publisher
	statusNotifier, err := notifier.NewNotifier(cfg.KafkaBroker, cfg.KafkaTopic, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create notifier", zap.Error(err))
	}
	defer statusNotifier.Close()

	// Start notification publisher in background
	go statusNotifier.StartPublishing(ctx)

	// Create and start API server
	watcher := api.Watcher{
		Deposit: func(network, address string) {
			mon.Watch(ctx, monitor.DepositSubject(network, address, pollInterval(cfg, network)))
		},
		Withdrawal: func(orderID string) {
			mon.Watch(ctx, monitor.WithdrawalSubject(orderID, defaultPollInterval()))
		},
	}
	orderHandler := api.NewOrderHandler(orderRepository, flowRepository, addressRepository, machine, watcher, cfg.OrderTTL, logger)
	webhookHandler := api.NewWebhookHandler(gateway, machine, logger)
	apiServer := api.NewServer(cfg.APIPort, orderHandler, webhookHandler, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	cancel()

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Application shutdown complete")
}

func buildRegistry(cfg *config.Config, logger *zap.Logger) *chainclient.Registry {
	clients := make(map[string]chainclient.Client)
	for network, chainCfg := range cfg.Chains {
		switch network {
		case "tron":
			clients[network] = chainclient.NewTronClient(chainCfg.RpcURL, logger)
		case "solana":
			clients[network] = chainclient.NewSolanaClient(chainCfg.RpcURL, logger)
		case "ton":
			clients[network] = chainclient.NewTonClient(chainCfg.RpcURL, logger)
		default:
			// EVM family: ethereum, bsc, polygon, ...
			client, err := chainclient.NewEVMClient(chainCfg.RpcURL, logger)
			if err != nil {
				logger.Fatal("Failed to create chain client",
					zap.String("network", network), zap.Error(err))
			}
			clients[network] = client
		}
	}
	return chainclient.NewRegistry(clients)
}

func resumeWatches(
	ctx context.Context,
	cfg *config.Config,
	mon *monitor.Monitor,
	addresses *repository.WatchedAddressRepository,
	orders *repository.OrderRepository,
	logger *zap.Logger,
) {
	watched, err := addresses.GetAll(ctx)
	if err != nil {
		logger.Fatal("Failed to load watched addresses", zap.Error(err))
	}
	for _, addr := range watched {
		mon.Watch(ctx, monitor.DepositSubject(addr.Network, addr.Address, pollInterval(cfg, addr.Network)))
	}

	active, err := orders.ListActive(ctx)
	if err != nil {
		logger.Fatal("Failed to load active orders", zap.Error(err))
	}
	for _, order := range active {
		if order.Kind == model.KindWithdraw {
			mon.Watch(ctx, monitor.WithdrawalSubject(order.OrderID, defaultPollInterval()))
		}
	}
}

func pollInterval(cfg *config.Config, network string) time.Duration {
	if chainCfg, ok := cfg.Chains[network]; ok {
		return chainCfg.PollInterval
	}
	return defaultPollInterval()
}

func defaultPollInterval() time.Duration {
	return 12 * time.Second
}
