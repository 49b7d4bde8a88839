package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soullab/maia-voice/pkg/gateway/config"
	"github.com/soullab/maia-voice/pkg/gateway/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:          config.AuthModeDisabled,
		MaxBodyBytes:      1 << 20,
		BufferWindow:      30 * time.Second,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Second,
		HandlerTimeout:    time.Minute,
	}
}

func TestReadyz_OK(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReadyz_DrainingIs503(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lc}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Draining {
		t.Error("draining not reported")
	}
}

type deadStore struct{}

func (deadStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyz_UnreachableStoreIs503(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, Store: deadStore{}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
