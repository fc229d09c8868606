package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chat-session/internal/domain"
)

// UserRemote fetches the raw profile object.
type UserRemote interface {
	UserInfo(ctx context.Context) (json.RawMessage, error)
}

// UserPersister loads and saves the profile snapshot.
type UserPersister interface {
	Load(ctx context.Context) (domain.UserState, error)
	Save(ctx context.Context, state domain.UserState) error
}

// SettingsPatch updates display settings; nil fields are kept.
type SettingsPatch struct {
	Theme    *string `json:"theme,omitempty"`
	Language *string `json:"language,omitempty"`
}

// UserStore holds the current user's profile. Unlike ConversationStore it is
// best effort: refresh failures are logged and swallowed.
type UserStore struct {
	mu    sync.Mutex
	state domain.UserState

	remote    UserRemote
	persister UserPersister
	log       *slog.Logger
}

func NewUserStore(remote UserRemote, persister UserPersister, opts ...Option) (*UserStore, error) {
	if remote == nil {
		return nil, errors.New("store: user remote must not be nil")
	}
	if persister == nil {
		return nil, errors.New("store: user persister must not be nil")
	}
	o := buildOptions(opts)
	return &UserStore{
		state:     domain.DefaultUserState(),
		remote:    remote,
		persister: persister,
		log:       o.logger,
	}, nil
}

func (s *UserStore) Load(ctx context.Context) error {
	st, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("store: load user: %w", err)
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

func (s *UserStore) State() domain.UserState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneUserState(s.state)
}

// UpdateUserInfo shallow-merges the JSON object fields into the profile:
// fields present in fields overwrite, absent ones survive.
func (s *UserStore) UpdateUserInfo(ctx context.Context, fields json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := mergeUserInfo(s.state.UserInfo, fields)
	if err != nil {
		return fmt.Errorf("store: update user info: %w", err)
	}
	s.state.UserInfo = merged
	s.persistLocked(ctx)
	return nil
}

// UpdateSettings changes display settings.
func (s *UserStore) UpdateSettings(ctx context.Context, patch SettingsPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Theme != nil {
		s.state.Theme = *patch.Theme
	}
	if patch.Language != nil {
		s.state.Language = *patch.Language
	}
	s.persistLocked(ctx)
}

// ResetUserInfo restores the default profile; settings are kept.
func (s *UserStore) ResetUserInfo(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.UserInfo = domain.DefaultUserState().UserInfo
	s.persistLocked(ctx)
}

// Refresh pulls the profile from the remote service and merges it. Failures
// are logged, not returned.
func (s *UserStore) Refresh(ctx context.Context) {
	raw, err := s.remote.UserInfo(ctx)
	if err != nil {
		s.log.Error("failed to refresh user info", "err", err)
		return
	}
	if err := s.UpdateUserInfo(ctx, raw); err != nil {
		s.log.Error("failed to merge user info", "err", err)
	}
}

func (s *UserStore) persistLocked(ctx context.Context) {
	if err := s.persister.Save(ctx, cloneUserState(s.state)); err != nil {
		s.log.Warn("failed to persist user state", "err", err)
	}
}

func mergeUserInfo(info domain.UserInfo, raw json.RawMessage) (domain.UserInfo, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return info, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return info, fmt.Errorf("decode fields: %w", err)
	}
	info.Extra = cloneExtra(info.Extra)
	for key, value := range fields {
		var target *string
		switch key {
		case "avatar":
			target = &info.Avatar
		case "name":
			target = &info.Name
		case "description":
			target = &info.Description
		}
		if target != nil {
			if err := json.Unmarshal(value, target); err != nil {
				return info, fmt.Errorf("decode %q: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return info, fmt.Errorf("decode %q: %w", key, err)
		}
		if info.Extra == nil {
			info.Extra = map[string]any{}
		}
		info.Extra[key] = v
	}
	return info, nil
}

func cloneExtra(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneUserState(st domain.UserState) domain.UserState {
	st.UserInfo.Extra = cloneExtra(st.UserInfo.Extra)
	return st
}
