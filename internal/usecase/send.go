package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chat-session/internal/domain"
	"chat-session/internal/integrations/chatapi"
	"chat-session/internal/store"
)

const defaultProgressInterval = 250 * time.Millisecond

type Streamer interface {
	SendMessage(ctx context.Context, in chatapi.SendRequest, onProgress chatapi.ProgressFunc) (domain.ResponseOptions, error)
}

type MessageStore interface {
	Resolve(ref store.Ref) (int64, bool)
	Messages(uuid int64) []domain.Message
	ReadMessageAt(ref store.Ref, index int) (domain.Message, bool)
	AppendMessage(ctx context.Context, ref store.Ref, msg domain.Message) (store.MessageSlot, bool)
	PatchMessageByID(ctx context.Context, uuid, id int64, patch domain.MessagePatch) bool
}

// SendService drives a prompt through the streaming endpoint and mirrors the
// reply into the conversation store.
type SendService struct {
	streamer         Streamer
	store            MessageStore
	now              func() time.Time
	progressInterval time.Duration
}

type SendOption func(*SendService)

func WithSendClock(now func() time.Time) SendOption {
	return func(s *SendService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithProgressInterval bounds how often streamed text is written into the
// store; 0 writes on every event. The final reply is always written.
func WithProgressInterval(d time.Duration) SendOption {
	return func(s *SendService) {
		if d >= 0 {
			s.progressInterval = d
		}
	}
}

type SendInput struct {
	Ref    store.Ref
	Prompt string
}

type SendOutput struct {
	UUID  int64
	Reply domain.ResponseOptions
}

func NewSendService(streamer Streamer, ms MessageStore, opts ...SendOption) (*SendService, error) {
	if streamer == nil {
		return nil, errors.New("usecase: streamer must not be nil")
	}
	if ms == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	s := &SendService{
		streamer:         streamer,
		store:            ms,
		now:              time.Now,
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send appends the prompt and an assistant placeholder, then streams the reply
// into the placeholder.
func (s *SendService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}

	var opts *domain.RequestOptions
	if uuid, ok := s.store.Resolve(in.Ref); ok {
		opts = lastContext(s.store.Messages(uuid))
	}

	now := s.now()
	userID := now.UnixMilli()
	replyID := userID + 1
	stamp := now.Format(time.RFC3339)
	payload := domain.RequestPayload{Prompt: prompt, Options: opts}

	slot, ok := s.store.AppendMessage(ctx, in.Ref, domain.Message{
		ID:             userID,
		Timestamp:      stamp,
		Text:           prompt,
		IsUserMessage:  true,
		RequestPayload: payload,
	})
	if !ok {
		return SendOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if _, ok := s.store.AppendMessage(ctx, store.Explicit(slot.UUID), domain.Message{
		ID:             replyID,
		Timestamp:      stamp,
		IsLoading:      true,
		RequestPayload: payload,
	}); !ok {
		return SendOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}

	reply, err := s.stream(ctx, slot.UUID, replyID, payload)
	if err != nil {
		return SendOutput{UUID: slot.UUID}, err
	}
	if reply.ParentMessageID != 0 {
		parent := reply.ParentMessageID
		s.store.PatchMessageByID(ctx, slot.UUID, userID, domain.MessagePatch{ID: &parent})
	}
	return SendOutput{UUID: slot.UUID, Reply: reply}, nil
}

// Regenerate asks for a fresh reply to the assistant message at index.
func (s *SendService) Regenerate(ctx context.Context, ref store.Ref, index int) (SendOutput, error) {
	uuid, ok := s.store.Resolve(ref)
	if !ok {
		return SendOutput{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	msg, ok := s.store.ReadMessageAt(store.Explicit(uuid), index)
	if !ok {
		return SendOutput{}, newError(ErrorNotFound, "message_not_found", nil)
	}
	if msg.IsUserMessage {
		return SendOutput{}, newError(ErrorInvalidInput, "not_an_assistant_message", nil)
	}

	opts := domain.RequestOptions{}
	if msg.RequestPayload.Options != nil {
		opts = *msg.RequestPayload.Options
	}
	opts.Regenerate = msg.ID
	payload := domain.RequestPayload{Prompt: msg.RequestPayload.Prompt, Options: &opts}

	empty, loading, clean := "", true, false
	s.store.PatchMessageByID(ctx, uuid, msg.ID, domain.MessagePatch{
		Text:           &empty,
		IsLoading:      &loading,
		IsError:        &clean,
		RequestPayload: &payload,
	})

	reply, err := s.stream(ctx, uuid, msg.ID, payload)
	if err != nil {
		return SendOutput{UUID: uuid}, err
	}
	return SendOutput{UUID: uuid, Reply: reply}, nil
}

func (s *SendService) stream(ctx context.Context, uuid, id int64, payload domain.RequestPayload) (domain.ResponseOptions, error) {
	progress := &rate.Sometimes{Interval: s.progressInterval}
	if s.progressInterval == 0 {
		progress = &rate.Sometimes{Every: 1}
	}
	reply, err := s.streamer.SendMessage(ctx, chatapi.SendRequest{Prompt: payload.Prompt, Options: payload.Options},
		func(r domain.ResponseOptions) {
			progress.Do(func() {
				text := r.Text
				s.store.PatchMessageByID(ctx, uuid, id, domain.MessagePatch{Text: &text})
			})
		})

	done := false
	if err != nil {
		text := failureText(err)
		failed := true
		s.store.PatchMessageByID(context.WithoutCancel(ctx), uuid, id, domain.MessagePatch{
			Text:      &text,
			IsError:   &failed,
			IsLoading: &done,
		})
		return domain.ResponseOptions{}, RemoteFailure("send_message", err)
	}

	patch := domain.MessagePatch{
		Text:            &reply.Text,
		IsLoading:       &done,
		ResponsePayload: &reply,
	}
	if reply.ID != 0 {
		patch.ID = &reply.ID
	}
	s.store.PatchMessageByID(ctx, uuid, id, patch)
	return reply, nil
}

// lastContext threads the next prompt onto the latest assistant reply.
func lastContext(msgs []domain.Message) *domain.RequestOptions {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.IsUserMessage || m.ResponsePayload == nil {
			continue
		}
		return &domain.RequestOptions{
			ConversationID:  m.ResponsePayload.ConversationID,
			ParentMessageID: m.ResponsePayload.ID,
		}
	}
	return nil
}

func failureText(err error) string {
	var streamErr *chatapi.StreamError
	if errors.As(err, &streamErr) && streamErr.Partial != "" {
		return streamErr.Partial + "\n\n" + streamErr.Err.Error()
	}
	var remoteErr *chatapi.RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Message != "" {
		return remoteErr.Message
	}
	return err.Error()
}
