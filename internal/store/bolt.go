package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hostcraft/hostd/internal/hostmodel"
)

var bucketServerState = []byte("server_state")

// BoltStore persists ServerState documents in a single BoltDB bucket,
// keyed by server id. BoltDB transactions give us the atomicity the
// StateStore contract requires: a Store runs inside db.Update, a Load
// inside db.View, and neither observes a partial write from the other.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt creates or opens a BoltDB database at path and ensures the
// server-state bucket exists.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketServerState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create server-state bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load returns the persisted state for serverID, or a freshly initialized
// empty state if none exists yet.
func (s *BoltStore) Load(serverID string) (*hostmodel.ServerState, error) {
	var state *hostmodel.ServerState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerState)
		data := b.Get([]byte(serverID))
		if data == nil {
			return nil
		}
		var st hostmodel.ServerState
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("unmarshal server state: %w", err)
		}
		state = &st
		return nil
	})
	if err != nil {
		return nil, err
	}

	if state == nil {
		state = hostmodel.NewServerState(serverID)
	}
	if state.Containers == nil {
		state.Containers = map[string]hostmodel.ContainerResource{}
	}
	if state.Configuration == nil {
		state.Configuration = map[string]string{}
	}
	return state, nil
}

// Store atomically persists state under serverID as a whole document.
func (s *BoltStore) Store(serverID string, state *hostmodel.ServerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal server state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServerState)
		return b.Put([]byte(serverID), data)
	})
}
