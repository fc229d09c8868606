package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-session/internal/domain"
	"chat-session/internal/session"
	"chat-session/internal/store"
	"chat-session/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerOwnerID       = "X-Owner-Id"
)

type SessionOpener interface {
	Open(ctx context.Context, owner string) (*session.Session, error)
}

type Handler struct {
	sessions SessionOpener
	log      *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func NewHandler(sessions SessionOpener, opts ...Option) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("handler: session opener must not be nil")
	}
	h := &Handler{sessions: sessions, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type navigationResponse struct {
	UUID *int64 `json:"uuid"`
}

type stateResponse struct {
	State        domain.SessionState      `json:"state"`
	Navigation   *navigationResponse      `json:"navigation,omitempty"`
	Conversation *domain.ConversationMeta `json:"conversation,omitempty"`
	Reply        *domain.ResponseOptions  `json:"reply,omitempty"`
}

type messageResponse struct {
	Message domain.Message `json:"message"`
}

type userResponse struct {
	User domain.UserState `json:"user"`
}

type remoteListResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

type configResponse struct {
	Config json.RawMessage `json:"config"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type createConversationRequest struct {
	Title    string           `json:"title"`
	IsEdit   bool             `json:"isEdit"`
	Messages []domain.Message `json:"messages"`
}

type sendRequest struct {
	Prompt string `json:"prompt"`
}

type userPatchRequest struct {
	UserInfo json.RawMessage `json:"userInfo"`
	store.SettingsPatch
}

// request is a routed API Gateway event bound to the caller's session.
type request struct {
	event    events.APIGatewayProxyRequest
	segments []string
	sess     *session.Session
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	owner := headerValue(event.Headers, headerOwnerID)
	if owner == "" {
		return h.fail(log, correlationID, usecase.NewError(usecase.ErrorInvalidInput, "missing_owner", nil)), nil
	}

	segments := splitPath(event.Path)
	if !knownRoute(segments) {
		return h.fail(log, correlationID, usecase.NewError(usecase.ErrorNotFound, "route_not_found", nil)), nil
	}

	sess, err := h.sessions.Open(ctx, owner)
	if err != nil {
		return h.fail(log, correlationID, usecase.NewError(usecase.ErrorInternal, "state_load_error", err)), nil
	}

	body, err := h.dispatch(ctx, request{event: event, segments: segments, sess: sess})
	if err != nil {
		return h.fail(log, correlationID, err), nil
	}
	if err := sess.Conflict(); err != nil {
		return h.fail(log, correlationID, usecase.NewError(usecase.ErrorConflict, "state_conflict", err)), nil
	}
	log.Info("request handled", "owner", owner, "status", http.StatusOK)
	return jsonResponse(http.StatusOK, correlationID, body), nil
}

func (h *Handler) dispatch(ctx context.Context, r request) (any, error) {
	method := r.event.HTTPMethod
	seg := r.segments
	switch seg[0] {
	case "state":
		switch method {
		case http.MethodGet:
			return r.state(), nil
		case http.MethodPut:
			var snapshot domain.SessionState
			if err := decodeBody(r.event.Body, &snapshot); err != nil {
				return nil, err
			}
			r.sess.Conversations.RestoreState(ctx, snapshot)
			return r.state(), nil
		}
	case "config":
		if method == http.MethodGet {
			cfg, err := r.sess.Remote.ChatConfig(ctx)
			if err != nil {
				return nil, usecase.RemoteFailure("chat_config", err)
			}
			return configResponse{Config: cfg}, nil
		}
	case "conversations":
		return h.conversations(ctx, r)
	case "user":
		return h.user(ctx, r)
	}
	return nil, methodNotAllowed()
}

func (h *Handler) conversations(ctx context.Context, r request) (any, error) {
	method := r.event.HTTPMethod
	seg := r.segments
	conv := r.sess.Conversations

	if len(seg) == 1 {
		if method != http.MethodPost {
			return nil, methodNotAllowed()
		}
		var in createConversationRequest
		if err := decodeBody(r.event.Body, &in); err != nil {
			return nil, err
		}
		meta, err := conv.CreateConversation(ctx, domain.ConversationMeta{Title: in.Title, IsEdit: in.IsEdit}, in.Messages)
		if err != nil {
			return nil, usecase.RemoteFailure("new_conversation", err)
		}
		out := r.state()
		out.Conversation = &meta
		return out, nil
	}

	if len(seg) == 2 && seg[1] == "remote" {
		if method != http.MethodGet {
			return nil, methodNotAllowed()
		}
		list, err := r.sess.Remote.ListConversations(ctx)
		if err != nil {
			return nil, usecase.RemoteFailure("conversation_list", err)
		}
		return remoteListResponse{Conversations: list}, nil
	}

	id, err := parseID(seg[1])
	if err != nil {
		return nil, err
	}
	ref := store.RefFromID(id)

	switch {
	case len(seg) == 2:
		if id == 0 {
			return nil, errImplicitNotAllowed()
		}
		return h.conversation(ctx, r, id)
	case len(seg) == 3 && seg[2] == "activate" && method == http.MethodPost:
		if id == 0 {
			return nil, errImplicitNotAllowed()
		}
		conv.SetActive(ctx, id)
		return r.state(), nil
	case len(seg) == 3 && seg[2] == "clear" && method == http.MethodPost:
		if err := conv.ClearConversation(ctx, ref); err != nil {
			return nil, usecase.RemoteFailure("clear_conversation", err)
		}
		return r.state(), nil
	case len(seg) == 3 && seg[2] == "messages" && method == http.MethodPost:
		var msg domain.Message
		if err := decodeBody(r.event.Body, &msg); err != nil {
			return nil, err
		}
		if _, ok := conv.AppendMessage(ctx, ref, msg); !ok {
			return nil, usecase.NewError(usecase.ErrorNotFound, "conversation_not_found", nil)
		}
		return r.state(), nil
	case len(seg) == 3 && seg[2] == "send" && method == http.MethodPost:
		var in sendRequest
		if err := decodeBody(r.event.Body, &in); err != nil {
			return nil, err
		}
		out, err := r.sess.Sender.Send(ctx, usecase.SendInput{Ref: ref, Prompt: in.Prompt})
		if err != nil {
			return nil, err
		}
		resp := r.state()
		resp.Reply = &out.Reply
		return resp, nil
	case len(seg) >= 4:
		index, err := parseIndex(seg[3])
		if err != nil {
			return nil, err
		}
		if len(seg) == 5 {
			if method != http.MethodPost {
				return nil, methodNotAllowed()
			}
			out, err := r.sess.Sender.Regenerate(ctx, ref, index)
			if err != nil {
				return nil, err
			}
			resp := r.state()
			resp.Reply = &out.Reply
			return resp, nil
		}
		return h.message(ctx, r, ref, index)
	}
	return nil, methodNotAllowed()
}

func (h *Handler) conversation(ctx context.Context, r request, id int64) (any, error) {
	conv := r.sess.Conversations
	switch r.event.HTTPMethod {
	case http.MethodPatch:
		var patch domain.MetaPatch
		if err := decodeBody(r.event.Body, &patch); err != nil {
			return nil, err
		}
		if err := conv.UpdateConversation(ctx, id, patch); err != nil {
			return nil, usecase.RemoteFailure("update_conversation", err)
		}
		return r.state(), nil
	case http.MethodDelete:
		if err := conv.DeleteConversation(ctx, id); err != nil {
			return nil, usecase.RemoteFailure("delete_conversation", err)
		}
		return r.state(), nil
	}
	return nil, methodNotAllowed()
}

func (h *Handler) message(ctx context.Context, r request, ref store.Ref, index int) (any, error) {
	conv := r.sess.Conversations
	missing := usecase.NewError(usecase.ErrorNotFound, "message_not_found", nil)
	switch r.event.HTTPMethod {
	case http.MethodGet:
		msg, ok := conv.ReadMessageAt(ref, index)
		if !ok {
			return nil, missing
		}
		return messageResponse{Message: msg}, nil
	case http.MethodPut:
		var msg domain.Message
		if err := decodeBody(r.event.Body, &msg); err != nil {
			return nil, err
		}
		if !conv.ReplaceMessageAt(ctx, ref, index, msg) {
			return nil, missing
		}
		return r.state(), nil
	case http.MethodPatch:
		var patch domain.MessagePatch
		if err := decodeBody(r.event.Body, &patch); err != nil {
			return nil, err
		}
		if !conv.PatchMessageAt(ctx, ref, index, patch) {
			return nil, missing
		}
		return r.state(), nil
	case http.MethodDelete:
		if r.event.QueryStringParameters["local"] == "true" {
			if !conv.RemoveMessageLocal(ctx, ref, index) {
				return nil, missing
			}
			return r.state(), nil
		}
		if err := conv.DeleteMessage(ctx, ref, index); err != nil {
			return nil, usecase.RemoteFailure("delete_message", err)
		}
		return r.state(), nil
	}
	return nil, methodNotAllowed()
}

func (h *Handler) user(ctx context.Context, r request) (any, error) {
	users := r.sess.Users
	method := r.event.HTTPMethod
	if len(r.segments) == 1 {
		switch method {
		case http.MethodGet:
			return userResponse{User: users.State()}, nil
		case http.MethodPatch:
			var in userPatchRequest
			if err := decodeBody(r.event.Body, &in); err != nil {
				return nil, err
			}
			if err := users.UpdateUserInfo(ctx, in.UserInfo); err != nil {
				return nil, usecase.NewError(usecase.ErrorInvalidInput, "invalid_user_info", err)
			}
			if in.Theme != nil || in.Language != nil {
				users.UpdateSettings(ctx, in.SettingsPatch)
			}
			return userResponse{User: users.State()}, nil
		}
		return nil, methodNotAllowed()
	}
	if method != http.MethodPost {
		return nil, methodNotAllowed()
	}
	switch r.segments[1] {
	case "refresh":
		users.Refresh(ctx)
	case "reset":
		users.ResetUserInfo(ctx)
	}
	return userResponse{User: users.State()}, nil
}

func (r request) state() stateResponse {
	out := stateResponse{State: r.sess.Conversations.State()}
	if target, moved := r.sess.Navigation(); moved {
		out.Navigation = &navigationResponse{UUID: target}
	}
	return out
}

func (h *Handler) fail(log *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		usecaseErr = usecase.NewError(usecase.ErrorInternal, "unexpected_error", err)
	}
	status := statusFor(usecaseErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "code", usecaseErr.Code, "reason", usecaseErr.Reason, "err", usecaseErr.Err)
	} else {
		log.Warn("request rejected", "status", status, "code", usecaseErr.Code, "reason", usecaseErr.Reason, "err", usecaseErr.Err)
	}
	return jsonResponse(status, correlationID, errorResponse{
		Error:  string(usecaseErr.Code),
		Reason: usecaseErr.Reason,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRemoteRejected, usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(raw),
	}
}

func decodeBody(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		return usecase.NewError(usecase.ErrorInvalidInput, "empty_body", nil)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return usecase.NewError(usecase.ErrorInvalidInput, "invalid_body", err)
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, usecase.NewError(usecase.ErrorInvalidInput, "invalid_uuid", err)
	}
	return id, nil
}

func parseIndex(s string) (int, error) {
	index, err := strconv.Atoi(s)
	if err != nil || index < 0 {
		return 0, usecase.NewError(usecase.ErrorInvalidInput, "invalid_index", err)
	}
	return index, nil
}

// errImplicitNotAllowed rejects uuid 0 on routes that name one conversation;
// only message routes treat it as the first conversation.
func errImplicitNotAllowed() error {
	return usecase.NewError(usecase.ErrorInvalidInput, "invalid_uuid", nil)
}

func methodNotAllowed() error {
	return usecase.NewError(usecase.ErrorNotFound, "route_not_found", nil)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// knownRoute checks the path shape so a bad URL never loads a session.
func knownRoute(seg []string) bool {
	if len(seg) == 0 {
		return false
	}
	switch seg[0] {
	case "state", "config":
		return len(seg) == 1
	case "user":
		return len(seg) == 1 || (len(seg) == 2 && (seg[1] == "refresh" || seg[1] == "reset"))
	case "conversations":
		switch len(seg) {
		case 1, 2:
			return true
		case 3:
			switch seg[2] {
			case "activate", "clear", "messages", "send":
				return true
			}
		case 4:
			return seg[2] == "messages"
		case 5:
			return seg[2] == "messages" && seg[4] == "regenerate"
		}
	}
	return false
}
