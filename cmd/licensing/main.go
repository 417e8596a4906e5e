package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/eagleeyes/internal/config"
	"github.com/dukerupert/eagleeyes/internal/database"
	"github.com/dukerupert/eagleeyes/internal/downloads"
	"github.com/dukerupert/eagleeyes/internal/email"
	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/logging"
	"github.com/dukerupert/eagleeyes/internal/server"
	"github.com/dukerupert/eagleeyes/internal/signer"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(".env", ".env.local")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("licensing service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	keyPEM, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	sgn, err := signer.FromPEM(keyPEM, cfg.Issuer)
	if err != nil {
		return err
	}

	idpPEM, err := os.ReadFile(cfg.Identity.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("read identity public key: %w", err)
	}
	verifier, err := identity.NewJWTVerifier(idpPEM, cfg.Identity.Issuer, cfg.Identity.Audience,
		identity.WithLeeway(cfg.Identity.Leeway))
	if err != nil {
		return err
	}

	admins := licensing.NewAdmins(cfg.Admins...)
	if admins.Len() == 0 {
		logger.Warn("no admins configured, add-license is disabled")
	}

	srvCfg := server.Config{
		Licensing: licensing.Config{
			Admins:            admins,
			AdminPasswordHash: cfg.AdminPasswordHash,
			CountCacheTTL:     cfg.CountCacheTTL,
		},
		Signer:   sgn,
		Identity: verifier,
		Downloads: downloads.Config{
			Endpoint:    cfg.Downloads.Endpoint,
			Bucket:      cfg.Downloads.Bucket,
			Region:      cfg.Downloads.Region,
			AccessKey:   cfg.Downloads.AccessKey,
			SecretKey:   cfg.Downloads.SecretKey,
			AllowedDirs: cfg.Downloads.AllowedDirs,
			LinkTTL:     cfg.Downloads.LinkTTL,
		},
		EventOrigins:   cfg.EventOrigins,
		BackupLink:     cfg.BackupLink,
		RequestTimeout: cfg.RequestTimeout,
	}
	if sender := mailSender(cfg.Email); sender != nil {
		srvCfg.Notifier = email.NewNotifier(sender, cfg.Email.OpsAddress, cfg.Email.DownloadURL,
			logger.With("component", "email"))
		logger.Info("email notifications enabled", "transport", cfg.Email.Transport())
	} else {
		logger.Warn("no mail transport configured, notifications disabled")
	}

	srv := server.New(db, srvCfg, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		srv.RateLimiter().RunCleanup(gctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		slog.Info("licensing service starting", "addr", httpServer.Addr, "signing_key", signer.KeyID(sgn.PublicKey()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		srv.Service().Wait()
		return nil
	})

	return g.Wait()
}

func mailSender(cfg config.EmailConfig) email.Sender {
	switch cfg.Transport() {
	case "postmark":
		return email.NewClient(cfg.PostmarkToken, cfg.From)
	case "smtp":
		return email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.From, cfg.SMTPUser, cfg.SMTPPass)
	default:
		return nil
	}
}
