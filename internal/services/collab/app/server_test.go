package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/codecollab/internal/services/collab/execution"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewServerRequiresHTTPAddr(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	require.Error(t, s.ListenAndServe(context.Background()))
}

func TestNewHandlerUpEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/up", nil)

	NewHandler(Config{Logger: zerolog.Nop()}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", strings.TrimSpace(rr.Body.String()))
}

func TestNewHandlerWSEndpointRejectsPost(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)

	NewHandler(Config{Logger: zerolog.Nop()}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNewHandlerLanguagesEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/languages", nil)

	NewHandler(Config{Logger: zerolog.Nop()}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var languages []execution.Language
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &languages))
	require.Equal(t, "javascript", languages[0].ID)
	require.True(t, languages[0].Executable)
}

func TestNewHandlerMetricsEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	NewHandler(Config{Logger: zerolog.Nop()}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "codecollab_rooms_active")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestServerReapsEmptyRooms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(Config{
		HTTPAddr:     "127.0.0.1:0",
		Logger:       zerolog.Nop(),
		EmptyRoomTTL: time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer server.Close()
	server.service.registry.GetOrCreate("idle")

	go func() {
		_ = server.ListenAndServe(ctx)
	}()

	require.Eventually(t, func() bool {
		return server.service.registry.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
