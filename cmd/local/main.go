// Command local serves the chat session API over plain HTTP with state kept in
// a bbolt file. It is the single-process counterpart of the Lambda in cmd/:
// one process owns the file, so it must not be shared between instances.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chat-session/handler"
	"chat-session/internal/integrations/chatapi"
	"chat-session/internal/persist"
	"chat-session/internal/session"
)

type config struct {
	Addr     string
	BaseURL  string
	Token    string
	BoltPath string
	RPS      int
	Timeout  time.Duration
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:     envString("LISTEN_ADDR", ":8080"),
		BaseURL:  os.Getenv("CHAT_API_BASE_URL"),
		Token:    os.Getenv("CHAT_API_TOKEN"),
		BoltPath: envString("BOLT_PATH", "state.bolt"),
		RPS:      envInt("CHAT_API_RPS", 5),
		Timeout:  time.Duration(envInt("CHAT_API_TIMEOUT_SECONDS", 10)) * time.Second,
	}
	if cfg.BaseURL == "" {
		return config{}, errors.New("CHAT_API_BASE_URL is required")
	}
	if cfg.Token == "" {
		return config{}, errors.New("CHAT_API_TOKEN is required")
	}
	return cfg, nil
}

// staticToken serves the API token from configuration in the same JSON shape
// the parameter store holds it.
type staticToken string

func (t staticToken) GetParameter(_ context.Context, _ string) (string, error) {
	raw, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: string(t)})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type app struct {
	server *http.Server
	store  *persist.BoltStore
}

func newApp(cfg config, logger *slog.Logger) (*app, error) {
	chatClient, err := chatapi.NewClient(staticToken(cfg.Token), cfg.BaseURL,
		chatapi.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		chatapi.WithRateLimit(float64(cfg.RPS), cfg.RPS),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat API client: %w", err)
	}

	store, err := persist.OpenBolt(cfg.BoltPath)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	sessions, err := session.NewManager(chatClient, store, session.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	h, err := handler.NewHandler(sessions, handler.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create handler: %w", err)
	}

	return &app{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      h,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		store: store,
	}, nil
}

// shutdown drains in-flight requests before releasing the bolt file.
func (a *app) shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	return errors.Join(err, a.store.Close())
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	if err := run(logger); err != nil {
		slog.Error("local server failed", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting", "addr", cfg.Addr, "bolt_path", cfg.BoltPath, "base_url", cfg.BaseURL)
		serveErr <- a.server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return errors.Join(err, a.store.Close())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	slog.Info("shutting down")
	return a.shutdown(shutdownCtx)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
