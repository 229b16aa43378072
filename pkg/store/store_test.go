package store

import (
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/simx/pkg/sx"
)

func newMemoryStore(t *testing.T) *SnapshotStore {
	t.Helper()

	dbManager := manager.NewManager(t.TempDir(), nil)
	db, err := dbManager.New(manager.DefaultMemoryConfig())
	require.NoError(t, err)

	level, _ := log.ToLevel("error")
	return NewWithDB(db, log.NewTestLogger(level))
}

func sampleState(cycle uint64) sx.EngineState {
	cfg := sx.DefaultConfig()
	cfg.Symbols = []string{"AAPL"}
	e := sx.NewEngine(cfg)
	e.Books().AddOrder(&sx.BookEntry{Symbol: "AAPL", Side: sx.Buy, Price: 100, Shares: 10})
	e.Credit().TakeLoan(5000, 0.08, 20, 0)
	for i := uint64(0); i < cycle; i++ {
		e.AdvanceCycle(sx.CycleInput{Prices: map[string]sx.Quote{"AAPL": {Price: 100}}})
	}
	return e.State()
}

func TestSaveAndLoad(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()

	state := sampleState(3)
	require.NoError(t, s.Save(state))

	loaded, err := s.Load(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.Cycle)
	assert.Equal(t, state.Credit.NextLoanID, loaded.Credit.NextLoanID)
	assert.Len(t, loaded.Books.Books, 1)
}

func TestLoadMissingCycle(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()

	_, err := s.Load(42)
	assert.Equal(t, database.ErrNotFound, err)
}

func TestLoadLatest(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()

	// Empty store reports no snapshot without an error.
	_, found, err := s.LoadLatest()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Save(sampleState(1)))
	require.NoError(t, s.Save(sampleState(5)))

	state, found, err := s.LoadLatest()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), state.Cycle)

	// Earlier snapshots stay addressable by cycle.
	earlier, err := s.Load(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), earlier.Cycle)
}

func TestRoundTripThroughRestore(t *testing.T) {
	s := newMemoryStore(t)
	defer s.Close()

	state := sampleState(2)
	require.NoError(t, s.Save(state))

	loaded, found, err := s.LoadLatest()
	require.NoError(t, err)
	require.True(t, found)

	cfg := sx.DefaultConfig()
	cfg.Symbols = []string{"AAPL"}
	restored := sx.NewEngine(cfg)
	restored.RestoreState(loaded)

	assert.Equal(t, uint64(2), restored.Cycle())
	assert.Equal(t, 1, len(restored.Credit().ActiveLoans()))
}
