package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-session/handler"
	"chat-session/internal/integrations/chatapi"
	"chat-session/internal/integrations/paramstore"
	"chat-session/internal/repository"
	"chat-session/internal/session"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	baseURL := mustEnv("CHAT_API_BASE_URL")
	paramPrefix := mustEnv("PARAM_PREFIX")
	table := mustEnv("STATE_TABLE")
	rps := envInt("CHAT_API_RPS", 5)
	timeout := time.Duration(envInt("CHAT_API_TIMEOUT_SECONDS", 10)) * time.Second

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	chatClient, err := chatapi.NewClient(ssmClient, baseURL,
		chatapi.WithHTTPClient(&http.Client{Timeout: timeout}),
		chatapi.WithRateLimit(float64(rps), rps),
	)
	if err != nil {
		slog.Error("failed to create chat API client", "err", err)
		os.Exit(1)
	}

	// Lambda containers share nothing, so state always lives in DynamoDB.
	// cmd/local serves the same handler over a bbolt file.
	snapshots, err := repository.New(awsdynamodb.NewFromConfig(cfg), table)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sessions, err := session.NewManager(chatClient, snapshots, session.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(sessions, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("starting", "table", table, "base_url", baseURL, "rps", rps)
	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
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
