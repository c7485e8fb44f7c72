package store

import (
	"sync"

	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
)

// CycleStore reads and writes the persisted auction cycle state.
type CycleStore interface {
	Load() (*common.AuctionCycleState, error)
	Save(*common.AuctionCycleState) error
}

// FileCycleStore persists the cycle state as a JSON file.
type FileCycleStore struct {
	path string
}

// NewFileCycleStore creates a FileCycleStore backed by the file at path.
func NewFileCycleStore(path string) *FileCycleStore {
	return &FileCycleStore{path: path}
}

// Load returns the persisted cycle state.  A missing file yields a zero
// state (never settled), which makes the very first cycle settle
// immediately.
func (s *FileCycleStore) Load() (*common.AuctionCycleState, error) {
	var state common.AuctionCycleState
	if _, err := readFile(s.path, &state); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &state, nil
}

// Save atomically persists the cycle state.
func (s *FileCycleStore) Save(state *common.AuctionCycleState) error {
	return writeFileAtomic(s.path, state)
}

// MemCycleStore is an in-memory CycleStore for tests.
type MemCycleStore struct {
	mtx   sync.Mutex
	state common.AuctionCycleState
}

// NewMemCycleStore creates an empty in-memory cycle store.
func NewMemCycleStore() *MemCycleStore {
	return &MemCycleStore{}
}

// Load returns a copy of the stored state.
func (s *MemCycleStore) Load() (*common.AuctionCycleState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	state := s.state
	return &state, nil
}

// Save stores a copy of state.
func (s *MemCycleStore) Save(state *common.AuctionCycleState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.state = *state
	return nil
}
