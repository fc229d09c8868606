package store

import (
	"context"
	"fmt"

	"chat-session/internal/domain"
)

// AppendMessage adds msg to the end of the bucket ref resolves to. The first
// message of a conversation still titled DefaultTitle becomes its title.
//
// With an implicit ref and no conversations at all, a local conversation is
// synthesized with a clock-based uuid. Local conversations are never sent to
// the remote service; later remote-confirmed actions on them apply locally.
func (s *ConversationStore) AppendMessage(ctx context.Context, ref Ref, msg domain.Message) (MessageSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.IsImplicit() && len(s.state.History) == 0 {
		uuid := s.localUUID()
		s.state.History = append(s.state.History, domain.ConversationMeta{Title: msg.Text, UUID: uuid, Local: true})
		s.state.Chat = append(s.state.Chat, domain.ConversationMessages{UUID: uuid, Data: []domain.Message{msg.Clone()}})
		s.state.Active = &uuid
		s.persistLocked(ctx)
		return MessageSlot{UUID: uuid, Index: 0}, true
	}

	bi, ok := s.bucketIndex(ref)
	if !ok {
		return MessageSlot{}, false
	}
	bucket := &s.state.Chat[bi]
	bucket.Data = append(bucket.Data, msg.Clone())
	if hi, ok := s.historyIndex(bucket.UUID); ok && s.state.History[hi].Title == domain.DefaultTitle {
		s.state.History[hi].Title = msg.Text
	}
	s.persistLocked(ctx)
	return MessageSlot{UUID: bucket.UUID, Index: len(bucket.Data) - 1}, true
}

// localUUID mints a clock-based id that does not collide with a known one.
func (s *ConversationStore) localUUID() int64 {
	uuid := s.now().UnixMilli()
	for {
		if _, taken := s.historyIndex(uuid); !taken {
			return uuid
		}
		uuid++
	}
}

// Resolve returns the uuid of the conversation ref currently points at.
func (s *ConversationStore) Resolve(ref Ref) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.bucketIndex(ref)
	if !ok {
		return 0, false
	}
	return s.state.Chat[bi].UUID, true
}

// ReadMessageAt returns the message at index of the bucket ref resolves to.
func (s *ConversationStore) ReadMessageAt(ref Ref, index int) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.messageSlot(ref, index)
	if !ok {
		return domain.Message{}, false
	}
	return s.state.Chat[bi].Data[index].Clone(), true
}

// RemoveMessageLocal drops the message at index without asking the remote
// service. Used for entries the service never stored.
func (s *ConversationStore) RemoveMessageLocal(ctx context.Context, ref Ref, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.messageSlot(ref, index)
	if !ok {
		return false
	}
	s.removeAt(bi, index)
	s.persistLocked(ctx)
	return true
}

// ReplaceMessageAt overwrites the message at index.
func (s *ConversationStore) ReplaceMessageAt(ctx context.Context, ref Ref, index int, msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.messageSlot(ref, index)
	if !ok {
		return false
	}
	s.state.Chat[bi].Data[index] = msg.Clone()
	s.persistLocked(ctx)
	return true
}

// PatchMessageAt merges patch into the message at index.
func (s *ConversationStore) PatchMessageAt(ctx context.Context, ref Ref, index int, patch domain.MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.messageSlot(ref, index)
	if !ok {
		return false
	}
	s.state.Chat[bi].Data[index] = patch.Apply(s.state.Chat[bi].Data[index])
	s.persistLocked(ctx)
	return true
}

// PatchMessageByID merges patch into the message with id in conversation
// uuid, wherever it sits now.
func (s *ConversationStore) PatchMessageByID(ctx context.Context, uuid, id int64, patch domain.MessagePatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok := s.chatIndex(uuid)
	if !ok {
		return false
	}
	pos, ok := s.locateMessage(bi, -1, id)
	if !ok {
		return false
	}
	s.state.Chat[bi].Data[pos] = patch.Apply(s.state.Chat[bi].Data[pos])
	s.persistLocked(ctx)
	return true
}

// DeleteMessage removes the message at index once the remote service confirms
// deletion of its id. If the bucket changed meanwhile, the message is found
// again by id; a message that disappeared makes this a no-op.
func (s *ConversationStore) DeleteMessage(ctx context.Context, ref Ref, index int) error {
	s.mu.Lock()
	bi, ok := s.messageSlot(ref, index)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	uuid := s.state.Chat[bi].UUID
	messageID := s.state.Chat[bi].Data[index].ID
	local := s.isLocal(uuid)
	s.mu.Unlock()

	if !local {
		if err := s.remote.DeleteMessage(ctx, uuid, messageID); err != nil {
			return fmt.Errorf("store: delete message %d of conversation %d: %w", messageID, uuid, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bi, ok = s.chatIndex(uuid)
	if !ok {
		return nil
	}
	pos, ok := s.locateMessage(bi, index, messageID)
	if !ok {
		return nil
	}
	s.removeAt(bi, pos)
	s.persistLocked(ctx)
	return nil
}

// ClearConversation empties the bucket ref resolves to once the remote
// service confirms.
func (s *ConversationStore) ClearConversation(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	uuid, explicit := ref.UUID()
	if bi, ok := s.bucketIndex(ref); ok {
		uuid = s.state.Chat[bi].UUID
	} else if !explicit {
		s.mu.Unlock()
		return nil
	}
	local := s.isLocal(uuid)
	s.mu.Unlock()

	if !local {
		if err := s.remote.ClearConversation(ctx, uuid); err != nil {
			return fmt.Errorf("store: clear conversation %d: %w", uuid, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bi, ok := s.chatIndex(uuid); ok {
		s.state.Chat[bi].Data = []domain.Message{}
		s.persistLocked(ctx)
	}
	return nil
}

func (s *ConversationStore) locateMessage(bi, hint int, id int64) (int, bool) {
	data := s.state.Chat[bi].Data
	if hint >= 0 && hint < len(data) && data[hint].ID == id {
		return hint, true
	}
	for i, m := range data {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (s *ConversationStore) removeAt(bi, index int) {
	data := s.state.Chat[bi].Data
	s.state.Chat[bi].Data = append(data[:index], data[index+1:]...)
}
