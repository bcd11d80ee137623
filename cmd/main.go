package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cyvadra/signal-trader/broker"
	_ "github.com/Cyvadra/signal-trader/broker/binance"
	"github.com/Cyvadra/signal-trader/internal/config"
	"github.com/Cyvadra/signal-trader/internal/cooldown"
	"github.com/Cyvadra/signal-trader/internal/database"
	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/executor"
	"github.com/Cyvadra/signal-trader/internal/handlers"
	"github.com/Cyvadra/signal-trader/internal/logger"
	"github.com/Cyvadra/signal-trader/internal/poller"
	"github.com/Cyvadra/signal-trader/internal/routes"
	"github.com/Cyvadra/signal-trader/internal/services"
	tradesignal "github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/Cyvadra/signal-trader/internal/supervisor"
	_ "github.com/Cyvadra/signal-trader/source/mail"
	_ "github.com/Cyvadra/signal-trader/source/telegram"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	tokenFor := flag.String("token", "", "Print an API token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of the token printed by -token")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		token, err := handlers.IssueToken(cfg.Auth.JWTSecret, *tokenFor, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Named("main")

	if err := run(cfg, log); err != nil {
		log.Error("signal trader stopped", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadConfig(path)
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	store := services.NewStore(db)

	if err := syncAccounts(ctx, cfg.AccountsFile, store, log); err != nil {
		return err
	}

	// Exchange and execution
	settings := cfg.Trading.Broker
	manager := broker.NewManager(logger.Named("broker"), settings.InitTimeout)
	defer manager.CloseAll()
	gateway := broker.NewGateway(manager, settings.RequestTimeout, logger.Named("gateway"))

	hub := events.NewHub(128)
	notifier := services.NewNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.WebhookTimeout, logger.Named("notify"))

	guard := cooldown.NewGuard(store, cfg.Trading.CooldownWindow)
	exec := executor.NewExecutor(gateway, guard, store, settings, logger.Named("executor"))
	exec.SetHub(hub)
	exec.SetNotifier(notifier)

	parser := tradesignal.NewParser(tradesignal.Options{
		QuoteAsset: cfg.Trading.QuoteAsset,
		Threshold:  cfg.Trading.ConfidenceThreshold,
	})

	sup := supervisor.New(store, store, parser, exec, poller.Config{
		Interval:        cfg.Polling.Interval,
		FetchTimeout:    cfg.Polling.FetchTimeout,
		ReconnectBase:   cfg.Polling.ReconnectBase,
		ReconnectMax:    cfg.Polling.ReconnectMax,
		DispatchTimeout: cfg.Polling.DispatchTimeout,
		ReplayBacklog:   cfg.Polling.ReplayBacklog,
	}, logger.Named("supervisor"))
	sup.SetHub(hub)
	sup.SetBrokers(manager)

	if cfg.Polling.AutoResume {
		if _, err := sup.AutoResume(ctx); err != nil {
			log.Error("auto-resume failed", zap.Error(err))
		}
	}

	// Set up Gin
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(handlers.RequestLogger(logger.Named("http")))
	r.Use(gin.Recovery())

	h := handlers.NewHandler(sup, store, parser, hub, logger.Named("http"))
	h.SetBrokers(manager)
	routes.SetupRoutes(r, h, cfg.Auth)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.Bool("auth", cfg.Auth.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = sup.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown", zap.Error(err))
	}
	return nil
}

// syncAccounts seeds the database from the accounts file when it exists.
func syncAccounts(ctx context.Context, path string, store *services.Store, log *zap.Logger) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info("no accounts file, using accounts already in the database", zap.String("file", path))
		return nil
	}
	accounts, err := config.LoadAccountConfig(path)
	if err != nil {
		return err
	}
	n, err := services.SyncAccounts(ctx, store, accounts, logger.Named("accounts"))
	if err != nil {
		return err
	}
	log.Info("accounts synced", zap.String("file", path), zap.Int("accounts", n))
	return nil
}
