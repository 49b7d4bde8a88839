package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/soullab/maia-voice/internal/dotenv"
	"github.com/soullab/maia-voice/pkg/billing"
	"github.com/soullab/maia-voice/pkg/collab"
	"github.com/soullab/maia-voice/pkg/collab/gemini"
	"github.com/soullab/maia-voice/pkg/core/arbiter"
	"github.com/soullab/maia-voice/pkg/core/backchannel"
	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/convo"
	"github.com/soullab/maia-voice/pkg/core/quota"
	"github.com/soullab/maia-voice/pkg/core/voicelock"
	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/gateway/handlers"
	gatewayserver "github.com/soullab/maia-voice/pkg/gateway/server"
	"github.com/soullab/maia-voice/pkg/store/memory"
	"github.com/soullab/maia-voice/pkg/store/postgres"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildGateway func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		buildGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildGateway assembles the domain components behind the HTTP surface. The
// returned cleanup releases external resources (the database pool) and is
// safe to call after the server stops.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	var (
		quotaStore   quota.Store
		captureStore capture.Store
		storePing    handlers.Pinger
		cleanup      = func() {}
	)
	if cfg.PostgresDSN != "" {
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
				return nil, nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		quotaStore = pg
		captureStore = pg
		storePing = pg
		cleanup = pg.Close
		logger.Info("using postgres store")
	} else {
		mem := memory.New()
		quotaStore = mem
		captureStore = mem
		logger.Info("using in-memory store", "warning", "state is lost on restart")
	}

	gate := quota.NewGate(quotaStore, logger)
	captures := capture.NewService(captureStore, logger)

	resolver, err := buildResolver(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var gen collab.Generator = collab.NopGenerator{}
	if cfg.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, gemini.Config{
			APIKey:          cfg.GeminiAPIKey,
			Model:           cfg.GeminiModel,
			MaxOutputTokens: int32(cfg.GeminiMaxOutput),
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("gemini client: %w", err)
		}
		gen = g
	} else {
		logger.Warn("no gemini api key configured, replies will be empty")
	}

	conversations := handlers.NewConversations(func() *arbiter.Arbiter {
		return arbiter.New(arbiter.Config{
			Lock:   voicelock.New(voicelock.WithStaleAfter(cfg.LockStaleAfter)),
			Buffer: convo.New(convo.WithWindow(cfg.BufferWindow)),
			Acks: backchannel.New(backchannel.Config{
				MinInterval:     cfg.AckMinInterval,
				MaxAcksPerTurn:  cfg.AckMaxPerTurn,
				InterimMinChars: cfg.AckInterimChars,
				MinPause:        cfg.AckMinPause,
			}, nil, logger),
			Gate:            gate,
			Captures:        captures,
			Generator:       gen,
			Synth:           collab.NopSynthesizer{},
			Logger:          logger,
			MaxContextChars: cfg.MaxContextChars,
		})
	})

	srv := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Gate:          gate,
		Captures:      captures,
		Resolver:      resolver,
		Conversations: conversations,
		StorePing:     storePing,
	})
	return srv, cleanup, nil
}

func buildResolver(cfg config.Config, logger *slog.Logger) (billing.Resolver, error) {
	fallback, ok := billing.ParseTier(cfg.DefaultTier)
	if !ok {
		return nil, fmt.Errorf("unknown default tier %q", cfg.DefaultTier)
	}

	if cfg.StripeAPIKey != "" {
		tierByPriceKey := make(map[string]quota.Tier, len(cfg.StripeTierMap))
		for priceKey, name := range cfg.StripeTierMap {
			tier, ok := billing.ParseTier(name)
			if !ok {
				return nil, fmt.Errorf("unknown tier %q for stripe price %q", name, priceKey)
			}
			tierByPriceKey[priceKey] = tier
		}
		// User IDs double as Stripe customer IDs; the caller provisions
		// customers before sessions start.
		lookup := func(ctx context.Context, userID string) (string, error) {
			return userID, nil
		}
		return billing.NewStripeResolver(cfg.StripeAPIKey, lookup, tierByPriceKey, fallback, logger)
	}

	overrides := make(map[string]quota.Tier, len(cfg.TierOverrides))
	for userID, name := range cfg.TierOverrides {
		tier, ok := billing.ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q for user %q", name, userID)
		}
		overrides[userID] = tier
	}
	return billing.NewStatic(fallback, overrides), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildGateway == nil {
		return errors.New("missing buildGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, cleanup, err := deps.buildGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer cleanup()
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		logger.Warn("live sessions still open after grace period", "live_sessions", gw.Lifecycle().LiveSessions())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
