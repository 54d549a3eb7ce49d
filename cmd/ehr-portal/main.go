package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Thegeektechie/EHR-System/internal/biometric"
	"github.com/Thegeektechie/EHR-System/internal/ehr"
	"github.com/Thegeektechie/EHR-System/internal/events"
	"github.com/Thegeektechie/EHR-System/internal/identity"
	"github.com/Thegeektechie/EHR-System/internal/ledger"
	"github.com/Thegeektechie/EHR-System/internal/portal"
	"github.com/Thegeektechie/EHR-System/internal/report"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("ehr portal stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerCfg := ledger.LoadConfig()
	backend, closer, err := ledger.OpenBackend(ledgerCfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := []ledger.BookOption{ledger.WithSubjectChains(ledgerCfg.SubjectChains)}
	if evCfg := events.LoadConfig(); evCfg.Enabled {
		pub, err := events.Dial(evCfg, logger)
		if err != nil {
			logger.Warn("ledger events disabled", "error", err)
		} else {
			defer pub.Close()
			opts = append(opts, ledger.WithNotifier(pub))
		}
	}
	book, err := ledger.NewBook(ctx, backend, logger, opts...)
	if err != nil {
		return err
	}

	idCfg := identity.LoadConfig()
	if idCfg.AdminPassword == "" {
		logger.Warn("ADMIN_PASSWORD is empty, administrator login is disabled")
	}
	users, err := identity.Open(idCfg, logger)
	if err != nil {
		return err
	}

	ehrCfg := ehr.LoadConfig()
	repo, err := ehr.NewRepository(ehrCfg.Dir, ehr.NewValidator(ehrCfg, ehr.PDFExtractor{}, logger), logger)
	if err != nil {
		return err
	}

	svc, err := portal.NewService(portal.Deps{
		Ledger:     book,
		Users:      users,
		Records:    repo,
		Biometrics: biometric.Unavailable{},
		Biometric:  biometric.LoadConfig(),
		Reports:    report.NewPDFRenderer(report.LoadConfig()),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cfg := portal.LoadConfig()
	sessions, err := portal.NewSessions(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, sessions will not survive a restart")
	}

	var limiter portal.Limiter = portal.NewMemoryLimiter(cfg.LoginRatePerMinute, time.Minute)
	if rdb := portal.NewRedisClient(cfg); rdb != nil {
		defer rdb.Close()
		limiter = portal.NewRedisLimiter(rdb, cfg.LoginRatePerMinute, time.Minute)
		logger.Info("login rate limit shared through redis", "addr", cfg.RedisAddr)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           portal.NewHandler(svc, sessions, limiter, cfg, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ehr portal listening", "addr", cfg.Addr, "ledger", ledgerCfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
