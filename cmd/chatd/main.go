// Package main is the entry point for the chat daemon: it runs the chat
// client core and exposes it to a UI over a local HTTP bridge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/realtime-chat/internal/api"
	"github.com/capitalize-ai/realtime-chat/internal/chat"
	"github.com/capitalize-ai/realtime-chat/internal/config"
	"github.com/capitalize-ai/realtime-chat/internal/handler"
	natsclient "github.com/capitalize-ai/realtime-chat/internal/nats"
	"github.com/capitalize-ai/realtime-chat/internal/transport"
	"github.com/capitalize-ai/realtime-chat/pkg/logger"
	"github.com/capitalize-ai/realtime-chat/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting chat daemon",
		zap.String("transport", cfg.Transport),
		zap.String("history", cfg.HistoryBackend),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportNATS:
		dialer = &natsclient.Dialer{
			Config: natsclient.Config{
				URL:      cfg.NATSURL,
				CAFile:   cfg.NATSCAFile,
				CertFile: cfg.NATSCertFile,
				KeyFile:  cfg.NATSKeyFile,
				Token:    cfg.NATSToken,
			},
			Logger: log,
		}
	default:
		dialer = &transport.WebSocketDialer{
			URL:              cfg.WebSocketURL,
			HandshakeTimeout: cfg.ConnectTimeout,
			Logger:           log,
		}
	}

	var store chat.Store
	switch cfg.HistoryBackend {
	case config.HistoryREST:
		store = api.New(api.Config{
			BaseURL:        cfg.APIURL,
			Token:          cfg.Token,
			Timeout:        cfg.APITimeout,
			MaxFailures:    cfg.BreakerMaxFailures,
			BreakerTimeout: cfg.BreakerTimeout,
			Logger:         log,
		})
	case config.HistoryJetStream:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "realtime-chat-history/" + cfg.UserID,
		}, log)
		cancel()
		if err != nil {
			return err
		}
		defer natsClient.Close()

		history, err := natsclient.NewHistoryStore(ctx, natsClient.JetStream(), cfg.UserID, nil, log)
		if err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		store = history
	}

	session := transport.NewSession(dialer, transport.Options{
		Logger:         log,
		Registry:       transport.NewRegistry(),
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxAttempts:    cfg.ReconnectAttempts,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	client := chat.New(session, store, chat.Options{
		Logger:                 log,
		LocalUserID:            cfg.UserID,
		DedupeWindow:           cfg.DedupeWindow,
		DisableDedupeHeuristic: cfg.DedupeWindow == 0,
		TypingTTL:              cfg.TypingTTL,
		TypingThrottle:         cfg.TypingThrottle,
		SendTimeout:            cfg.SendTimeout,
	})
	defer client.Disconnect()

	creds := transport.Credentials{UserID: cfg.UserID, Token: cfg.Token}
	if !creds.Empty() {
		if err := client.Connect(ctx, creds); err != nil {
			log.Warn("initial connect rejected", zap.Error(err))
		}
		if store != nil {
			go func() {
				loadCtx, cancel := context.WithTimeout(ctx, cfg.APITimeout)
				defer cancel()
				if _, err := client.LoadConversations(loadCtx); err != nil {
					log.Warn("initial conversation load failed", zap.Error(err))
				}
			}()
		}
	} else {
		log.Info("no credentials configured, waiting for POST /api/v1/connect")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Client:            client,
		Credentials:       creds,
		Logger:            log,
		JWTSecret:         cfg.BridgeJWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	})

	// Event streams only end when their request context does.
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return streamCtx },
	}
	server.RegisterOnShutdown(endStreams)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("bridge listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("chat daemon stopped")
	return nil
}

func newLogger(level string) (*logger.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(level)
}
