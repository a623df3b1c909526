package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/dealdesk/mailsync/internal/auth"
	"github.com/dealdesk/mailsync/internal/config"
	"github.com/dealdesk/mailsync/internal/events"
	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/provider/gmail"
	"github.com/dealdesk/mailsync/internal/provider/outlook"
	"github.com/dealdesk/mailsync/internal/scheduler"
	"github.com/dealdesk/mailsync/internal/server"
	"github.com/dealdesk/mailsync/internal/store"
	"github.com/dealdesk/mailsync/internal/sync"
	"github.com/dealdesk/mailsync/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	pub, err := events.NewPublisher(cfg.NATSURL)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pub.EnsureStream(ctx); err != nil {
		logger.Fatal("failed to ensure event stream", zap.Error(err))
	}

	oauthCfg := oauthConfig(cfg)
	factory := clientFactory(cfg, oauthCfg)

	refresher := auth.NewRefresher(st, oauthCfg, cfg.TokenMargin, logger)
	fetcher := sync.NewFetcher(cfg.FetchConcurrency, logger)
	ingestor := sync.NewIngestor(st, logger)
	orchestrator := sync.NewOrchestrator(refresher, st, factory, fetcher, ingestor,
		cfg.PageSize, cfg.SweepDelay, logger)
	leases := webhook.NewManager(st, refresher, factory, cfg.WatchTopic, logger)

	var verifier server.PushVerifier
	if cfg.PushJWKSURL != "" {
		v, err := auth.NewPushVerifier(cfg.PushJWKSURL, cfg.PushAudience)
		if err != nil {
			logger.Fatal("failed to initialize push verifier", zap.Error(err))
		}
		verifier = v
	} else {
		logger.Warn("push notification verification disabled")
	}

	dispatcher := events.NewDispatcher(st, pub, logger)
	go dispatcher.Run(ctx)

	sched := scheduler.New(orchestrator, leases,
		cfg.SweepInterval, cfg.LeaseRenewEvery, cfg.LeaseRenewWithin, logger)
	go sched.Run(ctx)

	srv := server.New(orchestrator, leases, st, verifier, []byte(cfg.AdminJWTSecret), logger)

	logger.Info("listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("provider", cfg.Provider))
	if err := srv.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func oauthConfig(cfg *config.Config) *oauth2.Config {
	oc := &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
	}
	switch provider.Name(cfg.Provider) {
	case provider.Microsoft:
		oc.Endpoint = microsoft.AzureADEndpoint("common")
	default:
		oc.Endpoint = google.Endpoint
	}
	if cfg.OAuthTokenURL != "" {
		oc.Endpoint = oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL}
	}
	return oc
}

func clientFactory(cfg *config.Config, oauthCfg *oauth2.Config) provider.Factory {
	if provider.Name(cfg.Provider) == provider.Microsoft {
		return func(ctx context.Context, tok *auth.Token, mailbox string) (provider.Client, error) {
			return outlook.New(ctx, tok, mailbox)
		}
	}
	return func(ctx context.Context, tok *auth.Token, mailbox string) (provider.Client, error) {
		return gmail.New(ctx, oauthCfg, tok)
	}
}
