package persist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// versionSize prefixes every stored value with its big-endian version.
const versionSize = 8

// BoltStore keeps snapshots in a local BoltDB file: one bucket per kind,
// keyed by owner. BoltDB locks the file for a single process, so one BoltStore
// serves every request of that process.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the BoltDB file at path.
func OpenBolt(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("persist: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open bolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) LoadSnapshot(_ context.Context, owner, kind string) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(owner))
		if v == nil {
			return nil
		}
		decoded, err := decodeBoltValue(v)
		if err != nil {
			return err
		}
		snap, found = decoded, true
		return nil
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("persist: bolt load %s/%s: %w", kind, owner, err)
	}
	return snap, found, nil
}

func (b *BoltStore) SaveSnapshot(_ context.Context, owner, kind string, data []byte, version int64) (int64, error) {
	if owner == "" || kind == "" {
		return 0, errors.New("persist: bolt save: owner and kind are required")
	}
	next := version + 1
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		var stored int64
		if v := bucket.Get([]byte(owner)); v != nil {
			current, err := decodeBoltValue(v)
			if err != nil {
				return err
			}
			stored = current.Version
		}
		if stored != version {
			return ErrConflict
		}
		value := make([]byte, versionSize+len(data))
		binary.BigEndian.PutUint64(value, uint64(next))
		copy(value[versionSize:], data)
		return bucket.Put([]byte(owner), value)
	})
	if err != nil {
		return 0, fmt.Errorf("persist: bolt save %s/%s: %w", kind, owner, err)
	}
	return next, nil
}

// decodeBoltValue copies v; values are only valid inside the transaction.
func decodeBoltValue(v []byte) (Snapshot, error) {
	if len(v) < versionSize {
		return Snapshot{}, fmt.Errorf("stored value is %d bytes, shorter than its version header", len(v))
	}
	return Snapshot{
		Version: int64(binary.BigEndian.Uint64(v[:versionSize])),
		Data:    append([]byte(nil), v[versionSize:]...),
	}, nil
}
