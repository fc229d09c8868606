package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chat-session/internal/domain"
)

// StatusSuccess is the envelope status the service uses for accepted requests.
const StatusSuccess = "Success"

const (
	pathNewConversation    = "/new-conversation"
	pathUpdateConversation = "/update-conversation"
	pathDeleteConversation = "/delete-conversation"
	pathDeleteMessage      = "/delete-message"
	pathClearConversation  = "/clear-conversation"
	pathConversationList   = "/conversation-list"
	pathUserInfo           = "/user-info"
	pathChatConfig         = "/config"
	pathMessageProcess     = "/message-process"

	tokenParameterKey = "chat-api-token"
	maxResponseBytes  = 1 << 20
)

// envelope wraps every non-streaming response of the service.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type newConversationData struct {
	UUID int64 `json:"uuid"`
}

// UpdateConversationRequest is the body of /update-conversation.
type UpdateConversationRequest struct {
	UUID   int64   `json:"uuid"`
	Title  *string `json:"title,omitempty"`
	IsEdit *bool   `json:"isEdit,omitempty"`
}

type conversationRef struct {
	UUID int64 `json:"uuid"`
}

type deleteMessageRequest struct {
	UUID    int64 `json:"uuid"`
	Message int64 `json:"message"`
}

// tokenPayload is the expected JSON shape stored in SSM for the bearer token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("chatapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// RemoteError is returned when the service answered but did not report success.
// Body holds the raw response so callers can surface it.
type RemoteError struct {
	Endpoint string
	Status   string
	Message  string
	Body     string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatapi: %s rejected with status %q", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("chatapi: %s rejected with status %q: %s", e.Endpoint, e.Status, e.Message)
}

// Client talks to the remote conversation service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	getter       Getter
	limiter      *rate.Limiter

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithStreamHTTPClient sets the client used for /message-process. It should
// not carry a total timeout; the request context bounds the stream.
func WithStreamHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.streamClient = httpClient
	}
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a Client for the service at baseURL. The bearer token is
// read from the parameter store on first use and cached for the process.
func NewClient(ps Getter, baseURL string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("chatapi: paramstore getter must not be nil")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatapi: base URL must not be empty")
	}
	c := &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		streamClient: &http.Client{},
		getter:       ps,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, tokenParameterKey)
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) resolvedStreamClient() *http.Client {
	if c.streamClient != nil {
		return c.streamClient
	}
	return &http.Client{}
}

func (c *Client) endpointURL(path string) string {
	return c.baseURL + path
}

// NewConversation asks the service to mint a conversation uuid.
func (c *Client) NewConversation(ctx context.Context) (int64, error) {
	raw, err := c.call(ctx, http.MethodPost, pathNewConversation, nil)
	if err != nil {
		return 0, err
	}
	var data newConversationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("chatapi: decode new conversation: %w", err)
	}
	if data.UUID == 0 {
		return 0, errors.New("chatapi: new conversation returned no uuid")
	}
	return data.UUID, nil
}

func (c *Client) UpdateConversation(ctx context.Context, req UpdateConversationRequest) error {
	_, err := c.call(ctx, http.MethodPost, pathUpdateConversation, req)
	return err
}

func (c *Client) DeleteConversation(ctx context.Context, uuid int64) error {
	_, err := c.call(ctx, http.MethodPost, pathDeleteConversation, conversationRef{UUID: uuid})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, uuid, messageID int64) error {
	_, err := c.call(ctx, http.MethodPost, pathDeleteMessage, deleteMessageRequest{UUID: uuid, Message: messageID})
	return err
}

func (c *Client) ClearConversation(ctx context.Context, uuid int64) error {
	_, err := c.call(ctx, http.MethodPost, pathClearConversation, conversationRef{UUID: uuid})
	return err
}

// ListConversations returns the conversations the service knows about.
func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	raw, err := c.call(ctx, http.MethodGet, pathConversationList, nil)
	if err != nil {
		return nil, err
	}
	out := []domain.ConversationSummary{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("chatapi: decode conversation list: %w", err)
	}
	return out, nil
}

// UserInfo returns the raw profile object so callers can merge only the
// fields the service actually sent.
func (c *Client) UserInfo(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, pathUserInfo, nil)
}

// ChatConfig returns the service's chat configuration unchanged.
func (c *Client) ChatConfig(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, http.MethodPost, pathChatConfig, nil)
}

// call performs one request and unwraps the status envelope.
func (c *Client) call(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	url := c.endpointURL(path)
	raw, err := c.doJSONRequest(c.resolvedHTTPClient(), req, url)
	if err != nil {
		return nil, fmt.Errorf("chatapi: %s request failed: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("chatapi: decode %s response: %w", path, err)
	}
	if env.Status != StatusSuccess {
		return nil, &RemoteError{Endpoint: path, Status: env.Status, Message: env.Message, Body: string(raw)}
	}
	return env.Data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("chatapi: rate limit wait: %w", err)
		}
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("chatapi: marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpointURL(path), body)
	if err != nil {
		return nil, fmt.Errorf("chatapi: create %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

func (c *Client) doJSONRequest(hc *http.Client, req *http.Request, url string) ([]byte, error) {
	res, doErr := hc.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("chatapi: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("chatapi: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("chatapi: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("chatapi: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("chatapi: API token is empty")
	}
	return tp.Token, nil
}
