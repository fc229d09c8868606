// Package persist adapts raw snapshot stores to typed load/save of session state.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Snapshot kinds.
const (
	KindChat = "chat"
	KindUser = "user"
)

// ErrConflict is returned by SaveSnapshot when the stored snapshot is no
// longer at the version the caller loaded.
var ErrConflict = errors.New("persist: snapshot changed since it was loaded")

// Snapshot is a stored payload and its version. Version 0 means never saved.
type Snapshot struct {
	Data    []byte
	Version int64
}

// SnapshotStore keeps one opaque payload per (owner, kind). SaveSnapshot
// writes only if the stored version still equals version and returns the new
// one; otherwise it fails with ErrConflict.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, owner, kind string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, owner, kind string, data []byte, version int64) (int64, error)
}

// JSON loads and saves a T as JSON through a SnapshotStore. It remembers the
// version it loaded; once a save conflicts, every later save fails too so a
// stale copy can never overwrite a newer snapshot.
type JSON[T any] struct {
	store    SnapshotStore
	owner    string
	kind     string
	defaults func() T

	mu       sync.Mutex
	version  int64
	conflict error
}

// NewJSON binds a typed adapter to one owner and kind. defaults produces the
// value returned when nothing was saved yet.
func NewJSON[T any](store SnapshotStore, owner, kind string, defaults func() T) (*JSON[T], error) {
	if store == nil {
		return nil, errors.New("persist: store must not be nil")
	}
	if strings.TrimSpace(owner) == "" {
		return nil, errors.New("persist: owner must not be empty")
	}
	if strings.TrimSpace(kind) == "" {
		return nil, errors.New("persist: kind must not be empty")
	}
	if defaults == nil {
		defaults = func() T {
			var zero T
			return zero
		}
	}
	return &JSON[T]{store: store, owner: owner, kind: kind, defaults: defaults}, nil
}

// Load returns the saved value or the default one.
func (j *JSON[T]) Load(ctx context.Context) (T, error) {
	snap, ok, err := j.store.LoadSnapshot(ctx, j.owner, j.kind)
	if err != nil {
		return j.defaults(), fmt.Errorf("persist: load %s: %w", j.kind, err)
	}
	j.mu.Lock()
	j.version = snap.Version
	j.conflict = nil
	j.mu.Unlock()
	if !ok || len(snap.Data) == 0 {
		return j.defaults(), nil
	}
	v := j.defaults()
	if err := json.Unmarshal(snap.Data, &v); err != nil {
		return j.defaults(), fmt.Errorf("persist: decode %s: %w", j.kind, err)
	}
	return v, nil
}

// Save writes v as the current snapshot.
func (j *JSON[T]) Save(ctx context.Context, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persist: encode %s: %w", j.kind, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.conflict != nil {
		return j.conflict
	}
	version, err := j.store.SaveSnapshot(ctx, j.owner, j.kind, raw, j.version)
	if errors.Is(err, ErrConflict) {
		j.conflict = fmt.Errorf("persist: save %s: %w", j.kind, err)
		return j.conflict
	}
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", j.kind, err)
	}
	j.version = version
	return nil
}

// Conflict reports whether a save was rejected because another writer saved
// first.
func (j *JSON[T]) Conflict() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conflict
}
