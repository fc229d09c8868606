// Package store holds the client session state (conversations, their message
// buckets, the active conversation and the user profile) and keeps it
// consistent with the remote conversation service.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-session/internal/domain"
	"chat-session/internal/integrations/chatapi"
)

// Remote is the subset of the conversation service the store confirms
// mutations with.
type Remote interface {
	NewConversation(ctx context.Context) (int64, error)
	UpdateConversation(ctx context.Context, req chatapi.UpdateConversationRequest) error
	DeleteConversation(ctx context.Context, uuid int64) error
	DeleteMessage(ctx context.Context, uuid, messageID int64) error
	ClearConversation(ctx context.Context, uuid int64) error
}

// StatePersister loads and saves full session snapshots.
type StatePersister interface {
	Load(ctx context.Context) (domain.SessionState, error)
	Save(ctx context.Context, state domain.SessionState) error
}

// Navigator moves the user-facing view. A nil uuid means the landing view.
type Navigator interface {
	GoToConversation(uuid *int64)
}

// MessageSlot locates a message after it was appended.
type MessageSlot struct {
	UUID  int64
	Index int
}

type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now, used to mint ids of local conversations.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConversationStore owns the session state. Actions serialize on mu; remote
// calls run without holding it, so targets are re-resolved by uuid (and
// messages by id) once the service answers.
type ConversationStore struct {
	mu    sync.Mutex
	state domain.SessionState

	remote    Remote
	persister StatePersister
	nav       Navigator
	log       *slog.Logger
	now       func() time.Time
}

// NewConversationStore creates an empty store. Call Load to restore the
// persisted snapshot.
func NewConversationStore(remote Remote, persister StatePersister, nav Navigator, opts ...Option) (*ConversationStore, error) {
	if remote == nil {
		return nil, errors.New("store: remote must not be nil")
	}
	if persister == nil {
		return nil, errors.New("store: persister must not be nil")
	}
	if nav == nil {
		nav = noopNavigator{}
	}
	o := buildOptions(opts)
	return &ConversationStore{
		state:     domain.DefaultSessionState(),
		remote:    remote,
		persister: persister,
		nav:       nav,
		log:       o.logger,
		now:       o.now,
	}, nil
}

type noopNavigator struct{}

func (noopNavigator) GoToConversation(*int64) {}

// Load replaces the in-memory state with the persisted snapshot. On error the
// store keeps the default state.
func (s *ConversationStore) Load(ctx context.Context) error {
	st, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("store: load session: %w", err)
	}
	s.mu.Lock()
	s.state = normalize(st)
	s.mu.Unlock()
	return nil
}

// State returns a deep copy of the current session.
func (s *ConversationStore) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Persist writes the current snapshot.
func (s *ConversationStore) Persist(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked(ctx)
}

// persistLocked is the terminal step of every mutating action. Save failures
// are logged, never returned to the action's caller.
func (s *ConversationStore) persistLocked(ctx context.Context) {
	if err := s.persister.Save(ctx, s.state.Clone()); err != nil {
		s.log.Warn("failed to persist session state", "err", err)
	}
}

// ---- lookups ----

func (s *ConversationStore) historyIndex(uuid int64) (int, bool) {
	for i, h := range s.state.History {
		if h.UUID == uuid {
			return i, true
		}
	}
	return -1, false
}

func (s *ConversationStore) chatIndex(uuid int64) (int, bool) {
	for i, c := range s.state.Chat {
		if c.UUID == uuid {
			return i, true
		}
	}
	return -1, false
}

// bucketIndex resolves ref to a position in Chat.
func (s *ConversationStore) bucketIndex(ref Ref) (int, bool) {
	uuid, explicit := ref.UUID()
	if !explicit {
		if len(s.state.Chat) == 0 {
			return -1, false
		}
		return 0, true
	}
	return s.chatIndex(uuid)
}

// messageSlot resolves ref and checks index is in range of its bucket.
func (s *ConversationStore) messageSlot(ref Ref, index int) (int, bool) {
	bi, ok := s.bucketIndex(ref)
	if !ok {
		return -1, false
	}
	if index < 0 || index >= len(s.state.Chat[bi].Data) {
		return -1, false
	}
	return bi, true
}

func (s *ConversationStore) isLocal(uuid int64) bool {
	hi, ok := s.historyIndex(uuid)
	return ok && s.state.History[hi].Local
}

// ---- conversation lifecycle ----

// CreateConversation mints a uuid with the remote service and, on success,
// puts the conversation first in both collections and activates it.
func (s *ConversationStore) CreateConversation(ctx context.Context, meta domain.ConversationMeta, initial []domain.Message) (domain.ConversationMeta, error) {
	uuid, err := s.remote.NewConversation(ctx)
	if err != nil {
		return domain.ConversationMeta{}, fmt.Errorf("store: create conversation: %w", err)
	}

	meta.UUID = uuid
	meta.Local = false
	data := make([]domain.Message, len(initial))
	for i, m := range initial {
		data[i] = m.Clone()
	}

	s.mu.Lock()
	s.state.History = append([]domain.ConversationMeta{meta}, s.state.History...)
	s.state.Chat = append([]domain.ConversationMessages{{UUID: uuid, Data: data}}, s.state.Chat...)
	s.state.Active = &uuid
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.nav.GoToConversation(&uuid)
	return meta, nil
}

// UpdateConversation applies patch to the history entry of uuid. Plain
// metadata changes stay local; entering or leaving edit mode is confirmed
// with the remote service first. Unknown uuids are a no-op.
func (s *ConversationStore) UpdateConversation(ctx context.Context, uuid int64, patch domain.MetaPatch) error {
	s.mu.Lock()
	hi, ok := s.historyIndex(uuid)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	existing := s.state.History[hi]
	editing := existing.IsEdit || (patch.IsEdit != nil && *patch.IsEdit)
	if !editing || existing.Local {
		s.state.History[hi] = patch.Apply(existing)
		s.persistLocked(ctx)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	merged := patch.Apply(existing)
	err := s.remote.UpdateConversation(ctx, chatapi.UpdateConversationRequest{
		UUID:   uuid,
		Title:  &merged.Title,
		IsEdit: &merged.IsEdit,
	})
	if err != nil {
		return fmt.Errorf("store: update conversation %d: %w", uuid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hi, ok = s.historyIndex(uuid); ok {
		s.state.History[hi] = patch.Apply(s.state.History[hi])
		s.persistLocked(ctx)
	}
	return nil
}

// DeleteConversation removes uuid from both collections once the remote
// service confirms, then activates a neighbour: the previous entry, or the new
// first entry when the first one was deleted.
func (s *ConversationStore) DeleteConversation(ctx context.Context, uuid int64) error {
	s.mu.Lock()
	local := s.isLocal(uuid)
	s.mu.Unlock()

	if !local {
		if err := s.remote.DeleteConversation(ctx, uuid); err != nil {
			return fmt.Errorf("store: delete conversation %d: %w", uuid, err)
		}
	}

	s.mu.Lock()
	hi, ok := s.historyIndex(uuid)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.state.History = append(s.state.History[:hi], s.state.History[hi+1:]...)
	if ci, ok := s.chatIndex(uuid); ok {
		s.state.Chat = append(s.state.Chat[:ci], s.state.Chat[ci+1:]...)
	}

	var next *int64
	if remaining := len(s.state.History); remaining > 0 {
		pos := 0
		if hi > 0 {
			pos = hi - 1
		}
		id := s.state.History[pos].UUID
		next = &id
	}
	s.state.Active = next
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.nav.GoToConversation(next)
	return nil
}

// SetActive marks uuid active and navigates to it. uuid is not validated.
func (s *ConversationStore) SetActive(ctx context.Context, uuid int64) {
	s.mu.Lock()
	s.state.Active = &uuid
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.nav.GoToConversation(&uuid)
}

// ActiveHistory returns the history entry of the active conversation.
func (s *ConversationStore) ActiveHistory() (domain.ConversationMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Active == nil {
		return domain.ConversationMeta{}, false
	}
	hi, ok := s.historyIndex(*s.state.Active)
	if !ok {
		return domain.ConversationMeta{}, false
	}
	return s.state.History[hi], true
}

// Messages returns a copy of the bucket of uuid, empty when unknown.
func (s *ConversationStore) Messages(uuid int64) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.chatIndex(uuid)
	if !ok {
		return []domain.Message{}
	}
	return cloneMessages(s.state.Chat[ci].Data)
}

// ActiveMessages returns a copy of the active conversation's bucket.
func (s *ConversationStore) ActiveMessages() []domain.Message {
	s.mu.Lock()
	active := s.state.Active
	s.mu.Unlock()
	if active == nil {
		return []domain.Message{}
	}
	return s.Messages(*active)
}

// RestoreState replaces the whole session with snapshot and persists it.
func (s *ConversationStore) RestoreState(ctx context.Context, snapshot domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = normalize(snapshot.Clone())
	s.persistLocked(ctx)
}

func normalize(st domain.SessionState) domain.SessionState {
	if st.History == nil {
		st.History = []domain.ConversationMeta{}
	}
	if st.Chat == nil {
		st.Chat = []domain.ConversationMessages{}
	}
	for i := range st.Chat {
		if st.Chat[i].Data == nil {
			st.Chat[i].Data = []domain.Message{}
		}
	}
	if len(st.History) == 0 {
		st.Active = nil
	}
	return st
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
