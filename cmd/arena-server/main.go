package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/api"
	"github.com/park285/cheese-arena/internal/auth"
	appcfg "github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/gateway"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/notify"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app := &cli.Command{
		Name:  "arena-server",
		Usage: "authoritative multiplayer chess session server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional YAML config file",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and WebSocket server",
				Action: serve,
			},
			{
				Name:      "migrate",
				Usage:     "apply PostgreSQL schema migrations",
				ArgsUsage: "[up|down|status|version|redo|reset]",
				Action:    migrate,
			},
		},
		DefaultCommand: "serve",
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatalf("arena-server: %v", err)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	if p := strings.TrimSpace(cmd.String("config")); p != "" {
		_ = os.Setenv("CONFIG_FILE", p)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := obslog.Init(obslog.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Console: cfg.LogToConsole,
		ToFile:  cfg.LogToFile,
		Caller:  cfg.LogCaller,
	}); err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	oracle, err := rules.New(cfg.RulesOracle)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		RedisURL:    cfg.RedisURL,
		DatabaseURL: cfg.DatabaseURL,
		RedisTTL:    cfg.RedisGameTTL(),
	})
	if err != nil {
		return fmt.Errorf("store init error: %w", err)
	}
	defer func() { _ = st.Close() }()

	verifier, err := auth.NewVerifier(auth.Options{
		Secret:   cfg.AuthJWTSecret,
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		return fmt.Errorf("auth init error: %w", err)
	}
	messages, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return fmt.Errorf("message catalog error: %w", err)
	}

	var notifier *notify.Notifier
	sessOpts := session.Options{
		Store:          st,
		Oracle:         oracle,
		PersistTimeout: cfg.PersistTimeout(),
		IdleGrace:      cfg.IdleGrace(),
		ForfeitAfter:   cfg.ForfeitAfter(),
	}
	if cfg.ResultWebhookURL != "" {
		notifier = notify.New(cfg.ResultWebhookURL)
		sessOpts.OnFinished = notifier.Finished
	}
	registry := session.NewRegistry(sessOpts)

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJanitor()
	go registry.Run(janitorCtx, cfg.SweepInterval())

	gw := gateway.New(gateway.Options{
		Verifier:       verifier,
		Registry:       registry,
		Messages:       messages,
		OriginPatterns: cfg.AllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.PingInterval(),
		WriteTimeout:   cfg.WriteTimeout(),
	})
	e := api.New(api.Deps{
		Store:          st,
		Registry:       registry,
		Oracle:         oracle,
		Verifier:       verifier,
		Gateway:        gw,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreBackend),
			zap.String("oracle", oracle.Name()),
		)
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("server_shutdown", zap.Int("live_sessions", registry.Len()), zap.Int("connections", gw.Len()))
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Warn("http_shutdown_failed", zap.Error(err))
	}
	if err := gw.Close(sctx); err != nil {
		logger.Warn("gateway_shutdown_failed", zap.Error(err))
	}
	stopJanitor()
	if notifier != nil {
		if err := notifier.Wait(sctx); err != nil {
			logger.Warn("notify_drain_failed", zap.Error(err))
		}
	}
	return nil
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	if err := obslog.InitFromEnv(); err != nil {
		return err
	}
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	command := "up"
	args := cmd.Args().Slice()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	db, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := store.Migrate(ctx, db, command, args...); err != nil {
		return err
	}
	obslog.L().Info("migrate_done", zap.String("command", command))
	return nil
}
