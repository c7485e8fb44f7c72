package store

import (
	"fmt"
	"sync"

	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
)

// RefundStore reads and writes the persisted refund campaign state.
type RefundStore interface {
	// Load returns (nil, nil) when no state has ever been persisted.  A
	// present-but-unparseable state file is an error: the campaign must
	// refuse to run rather than risk double-paying batches whose record
	// was lost.
	Load() (*common.RefundState, error)
	Save(*common.RefundState) error
}

// FileRefundStore persists the refund state as a JSON file.
type FileRefundStore struct {
	path string
}

// NewFileRefundStore creates a FileRefundStore backed by the file at path.
func NewFileRefundStore(path string) *FileRefundStore {
	return &FileRefundStore{path: path}
}

// Load returns the persisted refund state, nil when none exists.
func (s *FileRefundStore) Load() (*common.RefundState, error) {
	var state common.RefundState
	found, err := readFile(s.path, &state)
	if err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("refund state file %v is present but unreadable: %w",
			s.path, err))
	}
	if !found {
		return nil, nil
	}
	return &state, nil
}

// Save atomically persists the refund state.
func (s *FileRefundStore) Save(state *common.RefundState) error {
	return writeFileAtomic(s.path, state)
}

// MemRefundStore is an in-memory RefundStore for tests.
type MemRefundStore struct {
	mtx   sync.Mutex
	state *common.RefundState
	// Saves counts Save calls, used by tests to assert persistence
	// happens after every batch
	Saves int
}

// NewMemRefundStore creates an empty in-memory refund store.
func NewMemRefundStore() *MemRefundStore {
	return &MemRefundStore{}
}

// Load returns a copy of the stored state, nil when never saved.
func (s *MemRefundStore) Load() (*common.RefundState, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state == nil {
		return nil, nil
	}
	state := *s.state
	state.DisperseTxHashes = append([]string{}, s.state.DisperseTxHashes...)
	state.Recipients = append([]common.RefundRecipient{}, s.state.Recipients...)
	return &state, nil
}

// Save stores a copy of state.
func (s *MemRefundStore) Save(state *common.RefundState) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *state
	cp.DisperseTxHashes = append([]string{}, state.DisperseTxHashes...)
	cp.Recipients = append([]common.RefundRecipient{}, state.Recipients...)
	s.state = &cp
	s.Saves++
	return nil
}
