package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/soullab/maia-voice/pkg/gateway/config"
	gatewayserver "github.com/soullab/maia-voice/pkg/gateway/server"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		buildGateway: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
			t.Fatalf("buildGateway should not be called when config load fails")
			return nil, nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func testConfig() config.Config {
	return config.Config{
		Addr:     "127.0.0.1:0",
		AuthMode: config.AuthModeDisabled,
		APIKeys:  map[string]struct{}{},

		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       1 << 20,

		BufferWindow:    30 * time.Second,
		MaxContextChars: 4000,
		LockStaleAfter:  30 * time.Second,
		AckMinInterval:  3500 * time.Millisecond,
		AckMaxPerTurn:   2,
		AckInterimChars: 40,
		AckMinPause:     600 * time.Millisecond,

		DefaultTier:   "foundation",
		TierOverrides: map[string]string{},
		StripeTierMap: map[string]string{},

		LiveMaxMessageBytes:  64 * 1024,
		LiveWSPingInterval:   20 * time.Second,
		LiveWSWriteTimeout:   5 * time.Second,
		LiveHandshakeTimeout: 5 * time.Second,
		WSMaxSessionDuration: 2 * time.Hour,

		LimitRPS:                   10,
		LimitBurst:                 20,
		LimitMaxConcurrentRequests: 20,
		LimitMaxLiveSessions:       2,

		ReadHeaderTimeout:   time.Second,
		ReadTimeout:         time.Second,
		HandlerTimeout:      5 * time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

func TestBuildGateway_MemoryStoreSmoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, cleanup, err := buildGateway(context.Background(), testConfig(), logger)
	if err != nil {
		t.Fatalf("buildGateway error: %v", err)
	}
	defer cleanup()

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestBuildResolver_RejectsUnknownTiers(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	cfg.DefaultTier = "platinum"
	if _, err := buildResolver(cfg, logger); err == nil {
		t.Fatalf("expected error for unknown default tier")
	}

	cfg = testConfig()
	cfg.TierOverrides = map[string]string{"user_1": "nope"}
	if _, err := buildResolver(cfg, logger); err == nil {
		t.Fatalf("expected error for unknown override tier")
	}
}

func TestBuildResolver_StaticOverrides(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	cfg.TierOverrides = map[string]string{"user_1": "facilitator"}
	resolver, err := buildResolver(cfg, logger)
	if err != nil {
		t.Fatalf("buildResolver error: %v", err)
	}

	tier, err := resolver.TierFor(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("TierFor error: %v", err)
	}
	if got, want := string(tier), "facilitator"; got != want {
		t.Fatalf("tier=%q, want %q", got, want)
	}

	tier, err = resolver.TierFor(context.Background(), "user_2")
	if err != nil {
		t.Fatalf("TierFor error: %v", err)
	}
	if got, want := string(tier), "foundation"; got != want {
		t.Fatalf("tier=%q, want %q", got, want)
	}
}
