package httpserver_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/httpserver"
)

func TestServerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.Config{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, http.NotFoundHandler())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func TestServerRunFailsOnBadAddr(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.Config{Addr: "256.0.0.1:bad"}, slog.Default())
	err := srv.Run(context.Background(), nil)
	assert.ErrorIs(t, err, httpserver.ErrStart)
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	t.Run("liveness without probes", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		httpserver.Healthcheck(slog.Default())(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness fails when a probe fails", func(t *testing.T) {
		t.Parallel()
		ok := func(context.Context) error { return nil }
		down := func(context.Context) error { return errors.New("db down") }

		rec := httptest.NewRecorder()
		httpserver.Healthcheck(slog.Default(), ok, down)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
