package common

import (
	"math/big"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func usdc(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), big.NewInt(1_000_000))
}

func TestBidCmpOrdersByNormalizedAmount(t *testing.T) {
	// same value expressed with different decimals compares equal apart
	// from the tie-break
	a := &Bid{Chain: ChainSolana, Bidder: "aaa", AmountRaw: big.NewInt(5_000_000), Decimals: 6}
	b := &Bid{Chain: ChainEVM, Bidder: "bbb", AmountRaw: big.NewInt(5_000_000_000), Decimals: 9}
	assert.Equal(t, -1, a.Cmp(b))
	assert.Equal(t, 1, b.Cmp(a))

	higher := &Bid{Bidder: "zzz", AmountRaw: usdc(10), Decimals: 6}
	lower := &Bid{Bidder: "aaa", AmountRaw: usdc(9), Decimals: 6}
	assert.Negative(t, higher.Cmp(lower))
	assert.Positive(t, lower.Cmp(higher))
}

func TestBidSortDescendingWithTieBreak(t *testing.T) {
	bids := []Bid{
		{Bidder: "charlie", AmountRaw: usdc(7), Decimals: 6},
		{Bidder: "bob", AmountRaw: usdc(12), Decimals: 6},
		{Bidder: "alice", AmountRaw: usdc(7), Decimals: 6},
	}
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Cmp(&bids[j]) < 0
	})
	assert.Equal(t, "bob", bids[0].Bidder)
	assert.Equal(t, "alice", bids[1].Bidder)
	assert.Equal(t, "charlie", bids[2].Bidder)
}

func TestAmountDisplay(t *testing.T) {
	tcs := []struct {
		raw      int64
		decimals uint
		want     string
	}{
		{12_500_000, 6, "12.5"},
		{1_000_000, 6, "1"},
		{1, 6, "0.000001"},
		{0, 6, "0"},
		{2_000_000_000_000_000_000, 18, "2"},
	}
	for _, tc := range tcs {
		bid := &Bid{AmountRaw: big.NewInt(tc.raw), Decimals: tc.decimals}
		assert.Equal(t, tc.want, bid.AmountDisplay())
	}
	nilAmount := &Bid{Decimals: 6}
	assert.Equal(t, "0", nilAmount.AmountDisplay())
}
