package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/duplikit/duplikit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSessions        = []byte("sessions")
	bucketResizePlans     = []byte("resize_plans")
	bucketPartitionTables = []byte("partition_tables")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "duplikit.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSessions,
			bucketResizePlans,
			bucketPartitionTables,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Session operations
func (s *BoltStore) CreateSession(session *types.CloneSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.CloneSession, error) {
	var session types.CloneSession
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) ListSessions() ([]*types.CloneSession, error) {
	var sessions []*types.CloneSession
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var session types.CloneSession
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByStatus(status types.SessionStatus) ([]*types.CloneSession, error) {
	sessions, err := s.ListSessions()
	if err != nil {
		return nil, err
	}

	var filtered []*types.CloneSession
	for _, session := range sessions {
		if session.Status == status {
			filtered = append(filtered, session)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSession(session *types.CloneSession) error {
	return s.CreateSession(session) // Same as create (upsert)
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.Delete([]byte(id))
	})
}

// Resize plan operations
func (s *BoltStore) PutResizePlan(plan *types.ResizePlan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResizePlans)
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(plan.SessionID), data)
	})
}

func (s *BoltStore) GetResizePlan(sessionID string) (*types.ResizePlan, error) {
	var plan types.ResizePlan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResizePlans)
		data := b.Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("resize plan for session %s: %w", sessionID, ErrNotFound)
		}
		return json.Unmarshal(data, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *BoltStore) DeleteResizePlan(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResizePlans)
		return b.Delete([]byte(sessionID))
	})
}

// Partition-table operations
func (s *BoltStore) PutPartitionTable(sessionID string, table *types.PartitionTable) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionTables)
		data, err := json.Marshal(table)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), data)
	})
}

func (s *BoltStore) GetPartitionTable(sessionID string) (*types.PartitionTable, error) {
	var table types.PartitionTable
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartitionTables)
		data := b.Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("partition table for session %s: %w", sessionID, ErrNotFound)
		}
		return json.Unmarshal(data, &table)
	})
	if err != nil {
		return nil, err
	}
	return &table, nil
}
