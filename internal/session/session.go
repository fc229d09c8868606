// Package session assembles the per-owner stores a single request works on.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chat-session/internal/domain"
	"chat-session/internal/persist"
	"chat-session/internal/store"
	"chat-session/internal/usecase"
)

// Remote is everything a session needs from the conversation service.
type Remote interface {
	store.Remote
	store.UserRemote
	usecase.Streamer
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	ChatConfig(ctx context.Context) (json.RawMessage, error)
}

type Manager struct {
	remote    Remote
	snapshots persist.SnapshotStore
	log       *slog.Logger
	now       func() time.Time
	sendOpts  []usecase.SendOption
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithSendOptions(opts ...usecase.SendOption) Option {
	return func(m *Manager) {
		m.sendOpts = append(m.sendOpts, opts...)
	}
}

func NewManager(remote Remote, snapshots persist.SnapshotStore, opts ...Option) (*Manager, error) {
	if remote == nil {
		return nil, errors.New("session: remote must not be nil")
	}
	if snapshots == nil {
		return nil, errors.New("session: snapshot store must not be nil")
	}
	m := &Manager{
		remote:    remote,
		snapshots: snapshots,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Session is one owner's loaded state.
type Session struct {
	Owner         string
	Conversations *store.ConversationStore
	Users         *store.UserStore
	Sender        *usecase.SendService
	Remote        Remote

	nav       *Recorder
	chatState *persist.JSON[domain.SessionState]
	userState *persist.JSON[domain.UserState]
}

// Conflict reports a save rejected because another request for the same owner
// saved first. The session's in-memory state is then stale and was not
// written.
func (s *Session) Conflict() error {
	if err := s.chatState.Conflict(); err != nil {
		return err
	}
	return s.userState.Conflict()
}

// Navigation reports the last navigation target and whether any happened.
func (s *Session) Navigation() (*int64, bool) {
	return s.nav.Last()
}

// Open loads the owner's conversation and profile snapshots.
func (m *Manager) Open(ctx context.Context, owner string) (*Session, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("session: owner must not be empty")
	}
	log := m.log.With("owner", owner)

	chatState, err := persist.NewJSON(m.snapshots, owner, persist.KindChat, domain.DefaultSessionState)
	if err != nil {
		return nil, fmt.Errorf("session: chat adapter: %w", err)
	}
	userState, err := persist.NewJSON(m.snapshots, owner, persist.KindUser, domain.DefaultUserState)
	if err != nil {
		return nil, fmt.Errorf("session: user adapter: %w", err)
	}

	nav := &Recorder{}
	conversations, err := store.NewConversationStore(m.remote, chatState, nav,
		store.WithLogger(log), store.WithClock(m.now))
	if err != nil {
		return nil, fmt.Errorf("session: conversation store: %w", err)
	}
	if err := conversations.Load(ctx); err != nil {
		return nil, err
	}

	users, err := store.NewUserStore(m.remote, userState, store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("session: user store: %w", err)
	}
	if err := users.Load(ctx); err != nil {
		return nil, err
	}

	sendOpts := append([]usecase.SendOption{usecase.WithSendClock(m.now)}, m.sendOpts...)
	sender, err := usecase.NewSendService(m.remote, conversations, sendOpts...)
	if err != nil {
		return nil, fmt.Errorf("session: send service: %w", err)
	}

	return &Session{
		Owner:         owner,
		Conversations: conversations,
		Users:         users,
		Sender:        sender,
		Remote:        m.remote,
		nav:           nav,
		chatState:     chatState,
		userState:     userState,
	}, nil
}

// Recorder is a Navigator that remembers where the store asked to go.
type Recorder struct {
	mu    sync.Mutex
	last  *int64
	moved bool
}

func (r *Recorder) GoToConversation(uuid *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.moved = true
	if uuid == nil {
		r.last = nil
		return
	}
	id := *uuid
	r.last = &id
}

func (r *Recorder) Last() (*int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil, r.moved
	}
	id := *r.last
	return &id, r.moved
}
