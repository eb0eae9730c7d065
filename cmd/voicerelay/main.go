package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/antoniostano/voicerelay/internal/accesstoken"
	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/history"
	"github.com/antoniostano/voicerelay/internal/httpapi"
	"github.com/antoniostano/voicerelay/internal/issuer"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/persona"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
	"github.com/antoniostano/voicerelay/internal/transport"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error", "err", err)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("logger init failed", "err", err)
	}
	if envErr != nil {
		logger.Debug("no .env file loaded", "err", envErr)
	}
	if !cfg.IssuerConfigured() {
		logger.Warn("REALTIME_BASE_URL or REALTIME_API_KEY not set; token issuance will fail until configured")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistorySQLitePath)
	if err != nil {
		logger.Fatal("history store init failed", "err", err)
	}
	defer historyStore.Close()
	logger.Info("call history ready", "mode", historyStore.Mode())

	personas, err := persona.LoadCatalog(cfg.PersonaCatalogPath)
	if err != nil {
		logger.Fatal("persona catalog invalid", "err", err)
	}
	logger.Info("persona catalog loaded", "personas", personas.Len())

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var tokens accesstoken.Authority
	if strings.TrimSpace(cfg.AccessTokenSigningKey) != "" {
		signer, err := accesstoken.NewSigner(cfg.AccessTokenSigningKey, cfg.AccessTokenTTL)
		if err != nil {
			logger.Fatal("access token signer init failed", "err", err)
		}
		tokens = signer
	} else {
		store := accesstoken.NewStore(cfg.AccessTokenTTL)
		store.StartJanitor(runCtx, time.Minute)
		tokens = store
	}
	logger.Info("relay access tokens", "mode", tokens.Mode(), "ttl", cfg.AccessTokenTTL)

	iss := issuer.New(issuer.Config{
		BaseURL:     cfg.RealtimeBaseURL,
		APIKey:      cfg.RealtimeAPIKey,
		APIVersion:  cfg.RealtimeAPIVersion,
		Model:       cfg.RealtimeModel,
		Region:      cfg.RealtimeRegion,
		AudioFormat: config.AudioFormat,
		Defaults: persona.Settings{
			Voice:        cfg.RealtimeVoice,
			Instructions: cfg.RealtimeInstructions,
		},
		TurnDetection: protocol.ServerVAD(cfg.VADThreshold, cfg.VADPrefixPadding, cfg.VADSilence),
		Timeout:       cfg.IssueTimeout,
	}, personas,
		issuer.WithLogger(logger.WithPrefix("issuer")),
		issuer.WithMetrics(metrics),
	)

	upstreamURL, err := transport.UpstreamURL(cfg.RealtimeBaseURL, cfg.RealtimeWSURL, cfg.RealtimeModel)
	if err != nil {
		logger.Fatal("upstream url invalid", "err", err)
	}
	dialer := transport.NewDialer(upstreamURL, issuer.BetaHeader, issuer.BetaHeaderValue, cfg.DialTimeout, transport.Options{
		WriteTimeout:    cfg.RelayWriteTimeout,
		MaxMessageBytes: int64(cfg.RelayMaxMessage),
	})

	sessions := session.NewManager(cfg.SessionRetention)
	engine := relay.New(dialer, relay.Config{AwaitSessionReady: cfg.AwaitSessionReady},
		relay.WithTracker(sessions),
		relay.WithLogger(logger.WithPrefix("relay")),
		relay.WithMetrics(metrics),
	)

	api := httpapi.New(cfg, httpapi.Dependencies{
		Personas: personas,
		Issuer:   iss,
		Tokens:   tokens,
		Relay:    engine,
		Sessions: sessions,
		History:  historyStore,
		Metrics:  metrics,
		Logger:   logger.WithPrefix("http"),
	})
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
		// Hijacked websocket connections outlive Shutdown; cancelling the
		// base context ends their relay sessions.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "upstream", upstreamURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
