package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lipcall/lipcall/internal/config"
	"github.com/lipcall/lipcall/internal/gateway"
	"github.com/lipcall/lipcall/internal/handler"
	"github.com/lipcall/lipcall/internal/inference"
	"github.com/lipcall/lipcall/internal/media"
	"github.com/lipcall/lipcall/internal/protocol"
	"github.com/lipcall/lipcall/internal/ratelimit"
	"github.com/lipcall/lipcall/internal/registry"
	"github.com/lipcall/lipcall/internal/repository"
	"github.com/lipcall/lipcall/internal/secure"
	"github.com/lipcall/lipcall/internal/token"
	"github.com/lipcall/lipcall/pkg/commons"
	"github.com/lipcall/lipcall/pkg/connectors"
)

var errNoBackend = errors.New("no inference backend registered")

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to read configuration: %v", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.WithLevel(cfg.LogLevel),
		commons.WithLogFile(cfg.LogFile),
	)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector, err := connectors.NewPostgresConnector(cfg.PostgresConfig, logger)
	if err != nil {
		logger.Errorw("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer func() { _ = connector.Close() }()
	if err := repository.Migrate(ctx, connector); err != nil {
		logger.Errorw("failed to run migrations", "error", err)
		os.Exit(1)
	}

	rsaKey, err := token.LoadPrivateKey(cfg.JWTRSAPrivateKey)
	if err != nil {
		logger.Errorw("failed to load jwt signing key", "error", err)
		os.Exit(1)
	}

	users := repository.NewUserStore(connector)
	calls := repository.NewCallStore(connector)
	refreshTokens := repository.NewRefreshTokenStore(connector)

	tokens := token.NewService(rsaKey,
		time.Duration(cfg.AccessTokenExpireMinutes)*time.Minute,
		time.Duration(cfg.RefreshTokenExpireDays)*24*time.Hour,
		refreshTokens, logger)

	sessions := registry.NewSessions()
	pending := registry.NewPendingCalls()

	newEndpoint, err := buildEndpointFactory(calls, sessions, pending, logger)
	if err != nil {
		logger.Errorw("failed to initialise inference pipeline", "error", err)
		os.Exit(1)
	}

	router := gateway.NewRouter(tokens, logger)
	handler.New(users, calls, tokens, sessions, pending, newEndpoint, logger).Register(router)

	server := gateway.NewServer(cfg.WebsocketHost, cfg.WebsocketPort,
		cfg.SSLCertFile, cfg.SSLKeyFile, router, ratelimit.New(), sessions, logger)

	logger.Infow("starting signaling server",
		"name", cfg.Name, "version", cfg.Version,
		"host", cfg.WebsocketHost, "port", cfg.WebsocketPort)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(ctx) })
	if err := group.Wait(); err != nil {
		logger.Errorw("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Infow("server shut down")
}

// buildEndpointFactory wires the server-side media leg to the registered
// inference backend. Without a backend the factory refuses server offers
// and everything else keeps working.
func buildEndpointFactory(calls repository.Calls, sessions *registry.Sessions,
	pending *registry.PendingCalls, logger commons.Logger) (handler.EndpointFactory, error) {
	backend := inference.RegisteredBackend()
	if backend == nil {
		logger.Warnw("no inference backend registered, server-side media is disabled")
		return func(*registry.Session, string, *registry.PendingCall) (handler.ServerOfferEndpoint, error) {
			return nil, errNoBackend
		}, nil
	}

	detector, err := backend.NewDetector()
	if err != nil {
		return nil, err
	}
	model, err := backend.NewModel()
	if err != nil {
		return nil, err
	}
	videoExec := inference.NewVideoExecutor(inference.NewLipPipeline(detector, model), logger)
	audioExec := inference.NewAudioExecutor(logger)

	return func(session *registry.Session, peerID string, call *registry.PendingCall) (handler.ServerOfferEndpoint, error) {
		var terminus *media.Terminus
		cfg := media.Config{
			UserID:          session.UserID,
			PeerID:          peerID,
			Pending:         call,
			Calls:           calls,
			Logger:          logger,
			VideoExecutor:   videoExec,
			AudioExecutor:   audioExec,
			NewRecognizer:   backend.NewRecognizer,
			NewDecoder:      backend.NewDecoder,
			ModelPreference: session.ModelPreference,
			Relay: func(p media.Prediction) {
				peer := sessions.Get(peerID)
				if peer == nil {
					return
				}
				_ = peer.Peer.SendMessage(secure.NewReply(protocol.TypeLipPrediction,
					protocol.PredictionPayload{From: p.From, Prediction: p.Text}))
			},
			OnTerminate: func() {
				pending.Remove(session.UserID, peerID)
				if session.Endpoint() == registry.ServerEndpoint(terminus) {
					session.TakeEndpoint()
				}
			},
		}
		built, err := media.NewTerminus(cfg)
		if err != nil {
			return nil, err
		}
		terminus = built
		return built, nil
	}, nil
}
