package auction

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/oracle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBid(bidder string, amountUsdc int64) common.Bid {
	return common.Bid{
		Chain:     common.ChainSolana,
		Bidder:    bidder,
		AmountRaw: new(big.Int).Mul(big.NewInt(amountUsdc), big.NewInt(1_000_000)),
		Decimals:  6,
		BidRef:    "ref-" + bidder,
	}
}

func TestSelectWinnerFirstApproved(t *testing.T) {
	reviewer := NewReviewer(&oracle.MockClient{
		Decide: func(bid *common.Bid) (*oracle.Decision, error) {
			if bid.Bidder == "alice" {
				return &oracle.Decision{Approved: false, Reason: "off-policy"}, nil
			}
			return &oracle.Decision{Approved: true}, nil
		},
	})
	bids := []common.Bid{testBid("alice", 20), testBid("bob", 10), testBid("carol", 5)}

	winner, rejections := reviewer.SelectWinner(context.Background(), bids)
	require.NotNil(t, winner)
	assert.Equal(t, "bob", winner.Bidder,
		"a lower bid wins when the higher one is rejected")
	require.Len(t, rejections, 1)
	assert.Equal(t, "alice", rejections[0].Bid.Bidder)
	assert.Equal(t, "off-policy", rejections[0].Reason)
}

func TestSelectWinnerAllRejected(t *testing.T) {
	reviewer := NewReviewer(&oracle.MockClient{
		Decide: func(bid *common.Bid) (*oracle.Decision, error) {
			return &oracle.Decision{Approved: false, Reason: "no"}, nil
		},
	})
	bids := []common.Bid{testBid("alice", 20), testBid("bob", 10)}
	winner, rejections := reviewer.SelectWinner(context.Background(), bids)
	assert.Nil(t, winner)
	assert.Len(t, rejections, 2)
}

func TestSelectWinnerOracleErrorIsRejection(t *testing.T) {
	reviewer := NewReviewer(&oracle.MockClient{
		Decide: func(bid *common.Bid) (*oracle.Decision, error) {
			if bid.Bidder == "alice" {
				return nil, fmt.Errorf("oracle down")
			}
			return &oracle.Decision{Approved: true}, nil
		},
	})
	bids := []common.Bid{testBid("alice", 20), testBid("bob", 10)}
	winner, rejections := reviewer.SelectWinner(context.Background(), bids)
	require.NotNil(t, winner)
	assert.Equal(t, "bob", winner.Bidder, "an oracle error never aborts the remaining reviews")
	require.Len(t, rejections, 1)
	assert.Equal(t, rejectedOracleError, rejections[0].Reason)
}

func TestSelectWinnerEmpty(t *testing.T) {
	reviewer := NewReviewer(&oracle.MockClient{})
	winner, rejections := reviewer.SelectWinner(context.Background(), nil)
	assert.Nil(t, winner)
	assert.Empty(t, rejections)
}
