package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"github.com/urfave/cli"

	"tokenlottery/internal/assets"
	"tokenlottery/internal/clock"
	"tokenlottery/internal/config"
	"tokenlottery/internal/handlers"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/payments"
	"tokenlottery/internal/services"
	"tokenlottery/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "tokenlottery"
	app.Usage = "run a commit-reveal token lottery"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to a TOML configuration file"},
		cli.StringFlag{Name: "listen", Usage: "override the listen address"},
		cli.StringFlag{Name: "log-file", Usage: "also write logs to this file"},
		cli.BoolTFlag{Name: "verbose", Usage: "log to stderr"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	var logFile io.Writer = io.Discard
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logFile = f
	}
	defer logger.Init("tokenlottery", c.BoolT("verbose"), false, logFile).Close()

	// 1. Load configuration
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the record store
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. Initialize the clock, randomness oracle and collaborators
	clk, err := clock.NewSlot(cfg.Clock.Genesis, cfg.Clock.SlotDuration.Duration)
	if err != nil {
		return err
	}
	beacon := oracle.NewBeacon(clk, cfg.Oracle.RevealDelay)
	registry := assets.NewRegistry()

	opts := services.Options{
		MaxRetries:  cfg.Store.MaxRetries,
		WinnerWidth: cfg.Lottery.WinnerWidth,
		Ticket: models.AssetMetadata{
			Name:   cfg.Lottery.TicketName,
			Symbol: cfg.Lottery.TicketSymbol,
			URI:    cfg.Lottery.TicketURI,
		},
		Collection: models.AssetMetadata{
			Name:   cfg.Lottery.CollectionName,
			Symbol: cfg.Lottery.CollectionSymbol,
			URI:    cfg.Lottery.CollectionURI,
		},
		PotAccount: payments.PotAccount,
	}
	var vault *payments.Vault
	if cfg.Payments.Enabled {
		vault = payments.NewVault()
		opts.Payments = vault
	}

	// 4. Initialize the Lottery Service
	lotteryService := services.NewLotteryService(st, clk, beacon, opts)

	// 5. Start the outbox dispatcher
	dispatcher := services.NewDispatcher(lotteryService, registry, services.LogPayout{}, cfg.Dispatcher.Batch)
	go dispatcher.Run(ctx, cfg.Dispatcher.Interval.Duration)

	// 6. Set up the Gin router
	httpHandler := handlers.NewHTTPHandler(lotteryService, clk, beacon, vault)
	r := gin.Default()
	httpHandler.RegisterPublicRoutes(r)

	// 7. Group routes that require tenant identification and apply middleware
	tenantRoutes := r.Group("/")
	tenantRoutes.Use(httpHandler.TenantMiddleware())
	httpHandler.RegisterTenantRoutes(tenantRoutes)

	// 8. Run the server until interrupted
	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on %s (store %s)", cfg.Listen, cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to run server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	case "redis":
		return store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	default:
		return store.NewMemory(), nil
	}
}
