package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/hikl/hiklqqbot/internal/admin"
	"github.com/hikl/hiklqqbot/internal/adminapi"
	"github.com/hikl/hiklqqbot/internal/api"
	"github.com/hikl/hiklqqbot/internal/blacklist"
	"github.com/hikl/hiklqqbot/internal/commands"
	"github.com/hikl/hiklqqbot/internal/config"
	"github.com/hikl/hiklqqbot/internal/gateway"
	"github.com/hikl/hiklqqbot/internal/gateway/webhook"
	"github.com/hikl/hiklqqbot/internal/gateway/ws"
	"github.com/hikl/hiklqqbot/internal/observability"
	"github.com/hikl/hiklqqbot/internal/router"
	"github.com/hikl/hiklqqbot/internal/signature"
	"github.com/hikl/hiklqqbot/internal/stats"
	"github.com/hikl/hiklqqbot/internal/store"
	"github.com/hikl/hiklqqbot/internal/token"
)

var (
	serveConfigPath string
	serveTransport  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot (websocket gateway or webhook transport)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `hiklqqbot --config path` and `hiklqqbot serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveTransport, "transport", "", "override transport (gateway or webhook)")
	}
}

// runServe wires every subsystem and blocks until a shutdown signal.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("BOT_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.Bot.Transport = serveTransport
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	transport, err := cfg.Bot.SelectedTransport()
	if err != nil {
		return err
	}

	logger.Info("starting hiklqqbot",
		slog.String("version", version),
		slog.String("transport", string(transport)),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	metrics := obs.MetricsOrNil()

	st, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	admins, err := admin.NewManager(ctx, st, logger)
	if err != nil {
		return err
	}
	blocked, err := blacklist.NewManager(ctx, st, logger)
	if err != nil {
		return err
	}

	recorder := stats.NewRecorder(st, logger)
	if cfg.Stats != nil && cfg.Stats.Enabled {
		if err := recorder.Start(cfg.Stats.FlushSchedule); err != nil {
			return err
		}
	}

	tokens := token.NewManager(token.Config{
		AuthURL:   cfg.Bot.TokenURL(),
		AppID:     cfg.Bot.AppID,
		AppSecret: cfg.Bot.AppSecret,
	}, logger, token.WithMetrics(metrics))

	client := api.NewClient(cfg.Bot.APIBaseURL(), tokens, logger,
		api.WithMetrics(metrics),
		api.WithTracer(obs.TracerOrNil()),
	)

	rt := router.New(&cfg.Router, logger,
		router.WithReplier(client),
		router.WithAdmins(admins),
		router.WithBlacklist(blocked),
		router.WithStats(recorder),
		router.WithMetrics(metrics),
		router.WithTracer(obs.TracerOrNil()),
	)
	commands.RegisterBuiltins(rt, commands.Deps{
		Admins:  admins,
		Blocked: blocked,
		Stats:   recorder,
		Version: version,
		Started: time.Now(),
	})

	var transportGW gateway.Gateway
	switch transport {
	case config.TransportWebhook:
		verifier, err := signature.New(cfg.Bot.AppSecret, cfg.Webhook.MaxSkew())
		if err != nil {
			return fmt.Errorf("initializing webhook verifier: %w", err)
		}
		transportGW = webhook.NewListener(&cfg.Webhook, verifier, rt, logger, metrics)
	default:
		transportGW = ws.NewClient(&cfg.Gateway, cfg.Bot, tokens, rt, logger, metrics)
	}
	sup := gateway.NewSupervisor(transportGW, cfg.Gateway.MaxBackoff(), logger, metrics)

	// Optional operator API.
	var opAPI *adminapi.Server
	if cfg.AdminAPI != nil && cfg.AdminAPI.Enabled {
		opAPI = adminapi.NewServer(cfg.AdminAPI, admins, blocked, recorder, obs, logger)
		go func() {
			if err := opAPI.Start(ctx); err != nil {
				logger.Error("admin api exited", slog.Any("error", err))
			}
		}()
	}

	runErr := sup.Run(ctx)

	// Graceful shutdown with a bounded grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Warn("transport shutdown", slog.Any("error", err))
	}
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Warn("router drain incomplete", slog.Any("error", err))
	}
	if opAPI != nil {
		if err := opAPI.Stop(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown", slog.Any("error", err))
		}
	}
	if err := recorder.Stop(shutdownCtx); err != nil {
		logger.Warn("final stats flush failed", slog.Any("error", err))
	}
	obs.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}
