package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chatbridge/gateway/internal/adapter"
	"github.com/chatbridge/gateway/internal/adapter/discord"
	"github.com/chatbridge/gateway/internal/adapter/slack"
	"github.com/chatbridge/gateway/internal/adapter/telegram"
	"github.com/chatbridge/gateway/internal/agentclient"
	"github.com/chatbridge/gateway/internal/config"
	"github.com/chatbridge/gateway/internal/crypto"
	"github.com/chatbridge/gateway/internal/engine"
	"github.com/chatbridge/gateway/internal/messagelog"
	"github.com/chatbridge/gateway/internal/permissions"
	"github.com/chatbridge/gateway/internal/ratelimit"
	"github.com/chatbridge/gateway/internal/sessionregistry"
	"github.com/chatbridge/gateway/internal/store"
	"github.com/chatbridge/gateway/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// runGateway wires every core collaborator into an Engine and serves the
// per-platform HTTP routes until an interrupt or SIGTERM is received.
// Grounded on the teacher's cmd/gateway.go assemble-then-serve shape,
// generalized from its in-process provider/tool wiring to the three
// external adapters + single upstream agent client SPEC_FULL.md §4 names.
func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("gateway.config_load_failed", "err", err)
		os.Exit(1)
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Error("gateway.missing_postgres_dsn", "hint", "set GOCLAW_POSTGRES_DSN")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Error("gateway.telemetry_setup_failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("gateway.telemetry_shutdown_failed", "err", err)
		}
	}()

	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("gateway.db_open_failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	configs := store.New(db)

	decrypt := func(creds map[string]any) (map[string]any, error) {
		if cfg.Gateway.EncryptionKey == "" {
			return creds, nil
		}
		out := make(map[string]any, len(creds))
		for k, v := range creds {
			s, ok := v.(string)
			if !ok {
				out[k] = v
				continue
			}
			plain, err := crypto.Decrypt(s, cfg.Gateway.EncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt credential %q: %w", k, err)
			}
			out[k] = plain
		}
		return out, nil
	}

	slackAdapter := slack.New(configs)
	discordAdapter := discord.New()
	telegramAdapter := telegram.New()

	registry := adapter.NewRegistry()
	registry.Register(slackAdapter)
	registry.Register(discordAdapter)
	registry.Register(telegramAdapter)

	client := agentclient.New(cfg.Gateway.AgentBaseURL)
	limiter := ratelimit.New()
	sessions := sessionregistry.New()
	perms := permissions.Global()

	logDir := os.Getenv("GOCLAW_MESSAGE_LOG_DIR")
	if logDir == "" {
		logDir = "./data"
	}
	msgLog, err := messagelog.New(logDir)
	if err != nil {
		slog.Error("gateway.messagelog_open_failed", "err", err)
		os.Exit(1)
	}

	e := engine.New(configs, decrypt, registry, client, limiter, sessions, perms, msgLog)

	// Gateway-style adapters (Discord, Telegram) must be bound to the engine
	// before any OnChannelCreated call can fire an inbound message.
	discordAdapter.BindEngine(e)
	telegramAdapter.BindEngine(e)

	mux := http.NewServeMux()
	for _, a := range registry.All() {
		a.RegisterRoutes(mux, e)
	}
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := openGatewayConnections(gctx, configs, discordAdapter, telegramAdapter); err != nil {
			return fmt.Errorf("open gateway connections: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		slog.Info("gateway.listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("gateway.stopped_with_error", "err", err)
		os.Exit(1)
	}
}

// openGatewayConnections opens the long-lived Discord/Telegram connections
// for every enabled channel config of that platform, one LifecycleAdapter
// hook per row, matching the teacher's per-instance channel startup loop
// (internal/channels/manager.go).
func openGatewayConnections(ctx context.Context, configs *store.ConfigStore, discordAdapter adapter.LifecycleAdapter, telegramAdapter adapter.LifecycleAdapter) error {
	for platform, lifecycle := range map[string]adapter.LifecycleAdapter{
		"discord":  discordAdapter,
		"telegram": telegramAdapter,
	} {
		rows, err := configs.ListEnabledByPlatform(ctx, platform)
		if err != nil {
			return fmt.Errorf("list %s configs: %w", platform, err)
		}
		for _, cfg := range rows {
			if err := lifecycle.OnChannelCreated(ctx, cfg); err != nil {
				slog.Error("gateway.channel_start_failed", "platform", platform, "configId", cfg.ID, "err", err)
			}
		}
	}
	return nil
}
