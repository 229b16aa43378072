// Package store persists engine snapshots through the luxfi/database manager
package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/simx/pkg/sx"
)

const latestKey = "latest_snapshot"

// SnapshotStore writes engine snapshots keyed by cycle, plus a pointer to
// the most recent one.
type SnapshotStore struct {
	db     database.Database
	logger log.Logger
}

// Open initializes a snapshot store under the data directory. BadgerDB is
// the preferred backend; when it cannot be opened the store falls back to an
// in-memory database so a simulation can still run without persistence.
func Open(dataPath string, logger log.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "simx"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	}

	return &SnapshotStore{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing database, used by tests with a memory backend.
func NewWithDB(db database.Database, logger log.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

// Save persists a snapshot under its cycle and moves the latest pointer,
// atomically via a batch.
func (s *SnapshotStore) Save(state sx.EngineState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(snapshotKey(state.Cycle), value); err != nil {
		return err
	}

	cycleBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		cycleBytes[7-i] = byte(state.Cycle >> (i * 8))
	}
	if err := batch.Put([]byte(latestKey), cycleBytes); err != nil {
		return err
	}

	return batch.Write()
}

// Load reads the snapshot stored for a cycle. Returns database.ErrNotFound
// when no snapshot exists for it.
func (s *SnapshotStore) Load(cycle uint64) (sx.EngineState, error) {
	var state sx.EngineState

	value, err := s.db.Get(snapshotKey(cycle))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(value, &state); err != nil {
		return state, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return state, nil
}

// LoadLatest reads the most recently saved snapshot. The second return is
// false when nothing has been saved yet.
func (s *SnapshotStore) LoadLatest() (sx.EngineState, bool, error) {
	var state sx.EngineState

	value, err := s.db.Get([]byte(latestKey))
	if err != nil {
		if err == database.ErrNotFound {
			return state, false, nil
		}
		return state, false, err
	}

	var cycle uint64
	if len(value) >= 8 {
		for i := 0; i < 8; i++ {
			cycle |= uint64(value[7-i]) << (i * 8)
		}
	}

	state, err = s.Load(cycle)
	if err != nil {
		return state, false, err
	}
	return state, true, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func snapshotKey(cycle uint64) []byte {
	return []byte(fmt.Sprintf("snapshot:%d", cycle))
}
