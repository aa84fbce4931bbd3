package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/user/interpsync/internal/app"
	"github.com/user/interpsync/internal/config"
	"github.com/user/interpsync/internal/metrics"
	"github.com/user/interpsync/internal/notify"
	"github.com/user/interpsync/internal/presence"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/realtime/wsfeed"
	"github.com/user/interpsync/internal/scheduler"
	"github.com/user/interpsync/internal/state"
	"github.com/user/interpsync/internal/store/memstore"
	"github.com/user/interpsync/internal/store/pgstore"
	"github.com/user/interpsync/internal/types"
	"github.com/user/interpsync/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "interpsync.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// openBackend returns the store, the change feed and a release function
// for the configured backend.
func openBackend(ctx context.Context, cfg *config.Config) (types.Store, types.Transport, func(), error) {
	var (
		store     types.Store
		transport types.Transport
		release   = func() {}
	)
	switch cfg.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, nil, nil, errors.New("postgres.dsn is required for the postgres backend")
		}
		pg, err := pgstore.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Postgres.InstallTriggers {
			if err := pg.InstallTriggers(ctx); err != nil {
				pg.Close()
				return nil, nil, nil, err
			}
		}
		store, transport, release = pg, pg.Feed(), pg.Close
	case "memory", "":
		mem := memstore.New()
		for _, owner := range cfg.WatchOwners {
			mem.Seed(types.TableProfiles, types.Record{"id": owner, "status": string(types.StatusUnavailable)})
		}
		if cfg.SelfID != "" {
			mem.Seed(types.TableSenders, types.Record{"id": cfg.SelfID, "display_name": cfg.SelfID})
		}
		store, transport = mem, mem
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Realtime.URL != "" {
		feed, err := wsfeed.New(cfg.Realtime.URL, cfg.Realtime.APIKey, wsfeed.Options{
			HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			release()
			return nil, nil, nil, err
		}
		transport = feed
	}
	return store, transport, release, nil
}

// buildNotifier routes every notification to the store's push function and
// mentions to Telegram when a bot token is configured.
func buildNotifier(cfg *config.Config, store types.Store) (notify.Notifier, error) {
	registry := notify.NewRegistry()
	var routes []notify.Route
	if cfg.Notify.PushFunction != "" {
		registry.Register("push:", notify.InvokeHandler(store, cfg.Notify.PushFunction))
		routes = append(routes, notify.Route{Target: "push:"})
	}
	if cfg.Telegram.Token != "" && cfg.Notify.TelegramChatID != "" {
		bot, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		registry.Register("telegram:", bot.Handler())
		routes = append(routes, notify.Route{
			Kinds:  []string{notify.KindMention},
			Target: "telegram:" + cfg.Notify.TelegramChatID,
		})
		slog.Info("telegram notifications enabled")
	} else {
		slog.Warn("telegram notifications disabled (no token or chat id)")
	}
	return notify.NewDispatcher(registry, routes...), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, transport, release, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer release()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier, err := buildNotifier(cfg, store)
	if err != nil {
		return err
	}

	svc, err := app.New(app.Deps{
		Store:     store,
		Transport: transport,
		Config:    cfg,
		Metrics:   m,
		Notifier:  notifier,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	defer svc.Close()

	svc.OnConnectionHealthChanged(func(h realtime.Health) {
		if h.Exhausted {
			slog.Error("realtime retries exhausted, use reconnect to retry")
		} else if !h.Connected {
			slog.Warn("realtime connection degraded", "reconnecting_for", h.ReconnectingFor)
		}
	})

	slog.Info("interpsync started",
		"data_dir", cfg.DataDir,
		"backend", cfg.Backend,
		"realtime", cfg.Realtime.URL != "",
		"self_id", cfg.SelfID,
		"pid_file", pidPath,
	)

	schedules := state.NewScheduleStore(filepath.Join(cfg.DataDir, "schedules.json"))
	sched := scheduler.New(schedules, func(owner types.OwnerID, value types.StatusValue) {
		err := svc.RequestStatusChange(ctx, owner, value, presence.WithOnComplete(func(err error) {
			if err != nil {
				slog.Warn("scheduled status change failed", "owner", string(owner), "status", string(value), "error", err)
			}
		}))
		if err != nil {
			slog.Error("scheduled status change rejected", "owner", string(owner), "status", string(value), "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	srv := webhook.NewServer(svc, schedules, sched.Reload, reg)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: srv,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	defer httpServer.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			httpServer.Close()
			svc.Close()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
