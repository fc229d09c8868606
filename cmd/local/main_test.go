package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeChatAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer local-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/new-conversation" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"status":"Success","data":{"uuid":7}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Owner-Id", "owner-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CHAT_API_BASE_URL", "https://chat.example")
	t.Setenv("CHAT_API_TOKEN", "secret")
	t.Setenv("BOLT_PATH", "/tmp/x.bolt")
	t.Setenv("CHAT_API_RPS", "nope")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "/tmp/x.bolt", cfg.BoltPath)
	require.Equal(t, 5, cfg.RPS)
	require.Equal(t, 10*time.Second, cfg.Timeout)

	t.Setenv("CHAT_API_TOKEN", "")
	_, err = loadConfig()
	require.ErrorContains(t, err, "CHAT_API_TOKEN")
}

func TestStaticToken_MatchesParameterShape(t *testing.T) {
	raw, err := staticToken("abc").GetParameter(context.Background(), "chat-api-token")
	require.NoError(t, err)
	require.JSONEq(t, `{"token":"abc"}`, raw)
}

func TestNewApp_PersistsStateInBoltAcrossRestarts(t *testing.T) {
	remote := fakeChatAPI(t)
	cfg := config{
		Addr:     "127.0.0.1:0",
		BaseURL:  remote.URL,
		Token:    "local-token",
		BoltPath: filepath.Join(t.TempDir(), "state.bolt"),
		RPS:      0,
		Timeout:  time.Second,
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	first, err := newApp(cfg, logger)
	require.NoError(t, err)
	rec := do(t, first.server.Handler, http.MethodPost, "/conversations", `{"title":"kept"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, first.shutdown(context.Background()))

	second, err := newApp(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.shutdown(context.Background()) })

	rec = do(t, second.server.Handler, http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		State struct {
			Active  *int64 `json:"active"`
			History []struct {
				Title string `json:"title"`
				UUID  int64  `json:"uuid"`
			} `json:"history"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.State.History, 1)
	require.Equal(t, "kept", out.State.History[0].Title)
	require.Equal(t, int64(7), out.State.History[0].UUID)
}

func TestNewApp_BoltPathUnusable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg := config{
		BaseURL:  "https://chat.example",
		Token:    "t",
		BoltPath: filepath.Join(blocker, "state.bolt"),
	}
	_, err := newApp(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.ErrorContains(t, err, "open bolt store")
}
