package store

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inkwell-agent/auction-node/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.json")
	s := NewFileCycleStore(path)

	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state.LastSettledAt, "missing file yields a never-settled state")

	settled := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(&common.AuctionCycleState{LastSettledAt: &settled}))

	reloaded, err := NewFileCycleStore(path).Load()
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastSettledAt)
	assert.True(t, settled.Equal(*reloaded.LastSettledAt))
}

func TestCycleStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileCycleStore(path).Load()
	assert.Error(t, err)
}

func TestRequestStoreLastWriteWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.json")
	s, err := NewRequestStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Save("alice", "draw my cat", "https://img/cat.png"))
	require.NoError(t, s.Save("alice", "draw my dog", ""))

	req, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "draw my dog", req.RequestText)
	assert.Equal(t, "https://img/cat.png", req.ImageURL,
		"an empty image URL preserves the previous one")

	require.NoError(t, s.Save("alice", "draw my dog", "https://img/dog.png"))
	req, _ = s.Get("alice")
	assert.Equal(t, "https://img/dog.png", req.ImageURL)
}

func TestRequestStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.json")
	s, err := NewRequestStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save("0xbb", "second", ""))
	require.NoError(t, s.Save("0xaa", "first", ""))

	reloaded, err := NewRequestStore(path)
	require.NoError(t, err)
	req, ok := reloaded.Get("0xaa")
	require.True(t, ok)
	assert.Equal(t, "first", req.RequestText)
	assert.Equal(t, []string{"0xaa", "0xbb"}, reloaded.KnownBidders())
}

func TestRequestStoreMemoryOnly(t *testing.T) {
	s, err := NewRequestStore("")
	require.NoError(t, err)
	require.NoError(t, s.Save("alice", "hello", ""))
	_, ok := s.Get("alice")
	assert.True(t, ok)
	_, ok = s.Get("bob")
	assert.False(t, ok)
}

func TestRefundStoreMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewFileRefundStore(filepath.Join(dir, "refund.json"))
	state, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, state, "missing state file means the campaign never ran")

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("][,"), 0o600))
	_, err = NewFileRefundStore(corrupt).Load()
	assert.Error(t, err, "a present but unreadable state must be an error, never a fresh start")
}

func TestRefundStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refund.json")
	s := NewFileRefundStore(path)
	state := &common.RefundState{
		CompletedRecipientIndex: 2,
		DisperseTxHashes:        []string{"0x01"},
		Recipients: []common.RefundRecipient{
			{Address: "0xaa", AttributedRaw: big.NewInt(100), AmountRaw: big.NewInt(90),
				AmountDisplay: "0.00009"},
		},
	}
	require.NoError(t, s.Save(state))

	reloaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, state, reloaded)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, writeFileAtomic(path, map[string]int{"v": 1}))
	require.NoError(t, writeFileAtomic(path, map[string]int{"v": 2}))
	var doc map[string]int
	found, err := readFile(path, &doc)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, doc["v"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
