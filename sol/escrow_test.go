package sol

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/inkwell-agent/auction-node/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeBidAccount(bidder PublicKey, amount uint64, createdAt, updatedAt int64,
	active bool) []byte {
	data := make([]byte, bidAccountSize)
	copy(data[:8], bidAccountDiscriminator)
	copy(data[8:40], bidder[:])
	binary.LittleEndian.PutUint64(data[40:48], amount)
	binary.LittleEndian.PutUint64(data[48:56], uint64(createdAt))
	binary.LittleEndian.PutUint64(data[56:64], uint64(updatedAt))
	if active {
		data[64] = 1
	}
	data[65] = 0xff // bump
	return data
}

func TestDecodeBidAccount(t *testing.T) {
	bidder := newTestKeypair(t).PublicKey()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	updated := created.Add(2 * time.Hour)
	data := encodeBidAccount(bidder, 12_500_000, created.Unix(), updated.Unix(), true)

	bid, active, err := decodeBidAccount(data)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, common.ChainSolana, bid.Chain)
	assert.Equal(t, bidder.String(), bid.Bidder)
	assert.Equal(t, uint64(12_500_000), bid.AmountRaw.Uint64())
	assert.Equal(t, uint(usdcDecimals), bid.Decimals)
	assert.Equal(t, created, bid.CreatedAt)
	assert.Equal(t, updated, bid.UpdatedAt)
	assert.Equal(t, "12.5", bid.AmountDisplay())
}

func TestDecodeBidAccountInactive(t *testing.T) {
	data := encodeBidAccount(newTestKeypair(t).PublicKey(), 1_000_000, 0, 0, false)
	_, active, err := decodeBidAccount(data)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestDecodeBidAccountBadSize(t *testing.T) {
	_, _, err := decodeBidAccount(make([]byte, bidAccountSize-1))
	assert.Error(t, err)
}

func TestAnchorDiscriminatorLength(t *testing.T) {
	assert.Len(t, bidAccountDiscriminator, 8)
	assert.Len(t, settleDiscriminator, 8)
	assert.NotEqual(t, bidAccountDiscriminator, settleDiscriminator)
}
