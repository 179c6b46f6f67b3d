package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/softphone/pkg/api"
	"github.com/arzzra/softphone/pkg/audio"
	"github.com/arzzra/softphone/pkg/config"
	"github.com/arzzra/softphone/pkg/contacts"
	"github.com/arzzra/softphone/pkg/history"
	"github.com/arzzra/softphone/pkg/provider/demo"
	"github.com/arzzra/softphone/pkg/provider/sipua"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/settings"
	"github.com/arzzra/softphone/pkg/storage"
)

func main() {
	debug := flag.Bool("debug", false, "Enable SIP message tracing")
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "softphone: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeKV()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := session.NewMetrics(session.MetricsConfig{
		Namespace:  cfg.MetricsNamespace,
		Registerer: registry,
	})

	provider := newProvider(cfg, logger)
	store := session.NewStateStore()
	opts := []session.Option{session.WithLogger(logger), session.WithMetrics(metrics)}
	reg := session.NewRegistrationManager(provider, store, opts...)
	defer reg.Close()
	calls := session.NewCallController(provider, reg, store, audio.NewSoftRouter(logger), opts...)
	defer calls.Close()

	callLog := history.NewLog(kv)
	recorder := history.NewRecorder(callLog, calls, logger)
	repo := settings.NewRepository(kv)
	persister := settings.NewPersister(repo, store, reg, logger)

	server := api.New(api.Deps{
		Registration: reg,
		Calls:        calls,
		Store:        store,
		History:      callLog,
		Contacts:     contacts.Open(cfg.ContactsFile, logger),
		Settings:     repo,
		Gatherer:     registry,
	}, api.Config{JWTSecret: cfg.APIJWTSecret}, logger)

	if cfg.AutoLogin {
		autoLogin(ctx, reg, repo, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return persister.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.HTTPAddr) })

	logger.Info("softphone started",
		slog.String("provider", cfg.Provider),
		slog.String("storage", cfg.Storage),
		slog.String("http", cfg.HTTPAddr))

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := calls.HangUp(shutdownCtx); err == nil {
		logger.Info("active call hung up on shutdown")
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("registration shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info("softphone stopped")
	return runErr
}

func newProvider(cfg *config.Config, logger *slog.Logger) session.SignalingProvider {
	if cfg.Provider == config.ProviderSIP {
		return sipua.New(sipua.Config{
			ListenAddr:      cfg.SIPListenAddr,
			UserAgent:       cfg.SIPUserAgent,
			RegisterExpires: cfg.SIPRegisterExpires,
			MediaHost:       cfg.SIPMediaHost,
			MediaPort:       cfg.SIPMediaPort,
		}, logger)
	}
	return demo.New(demo.Config{
		RegisterDelay: cfg.DemoRegisterDelay,
		DialDelay:     cfg.DemoDialDelay,
		AnswerDelay:   cfg.DemoAnswerDelay,
	}, logger)
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.KV, func(), error) {
	if cfg.Storage != config.StorageRedis {
		return storage.NewMemory(), func() {}, nil
	}
	r, err := storage.OpenRedis(ctx, storage.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logger.Warn("redis close failed", slog.String("error", err.Error()))
		}
	}, nil
}

// autoLogin регистрирует сохранённый аккаунт при старте
func autoLogin(ctx context.Context, reg *session.RegistrationManager, repo *settings.Repository, logger *slog.Logger) {
	creds, ok, err := repo.Load(ctx)
	if err != nil {
		logger.Warn("auto login: load settings failed", slog.String("error", err.Error()))
		return
	}
	if !ok || !creds.Persist {
		return
	}
	if err := reg.Initialize(ctx); err != nil {
		logger.Error("auto login: provider init failed", slog.String("error", err.Error()))
		return
	}
	if err := reg.Register(ctx, creds); err != nil {
		logger.Error("auto login: register failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("auto login started", slog.Any("credentials", creds))
}
