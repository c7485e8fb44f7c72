package auction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/oracle"
	"github.com/inkwell-agent/auction-node/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEscrowClient is a scriptable common.EscrowClient.
type mockEscrowClient struct {
	chain    common.Chain
	bids     []common.Bid
	listErr  error
	settleFn func(bidRef string) (string, error)

	settled []string
}

func (m *mockEscrowClient) Chain() common.Chain { return m.chain }

func (m *mockEscrowClient) ListActiveBids(ctx context.Context,
	knownBidders []string) ([]common.Bid, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]common.Bid{}, m.bids...), nil
}

func (m *mockEscrowClient) Settle(ctx context.Context, bidRef string) (string, error) {
	m.settled = append(m.settled, bidRef)
	if m.settleFn != nil {
		return m.settleFn(bidRef)
	}
	// the settled bid disappears from the next listing
	remaining := m.bids[:0]
	for _, bid := range m.bids {
		if bid.BidRef != bidRef {
			remaining = append(remaining, bid)
		}
	}
	m.bids = remaining
	return "tx-" + bidRef, nil
}

func newTestCoordinator(t *testing.T, clients []common.EscrowClient,
	cycles store.CycleStore, oracleClient oracle.Client,
	clk clock.Clock) (*Coordinator, *store.RequestStore) {
	t.Helper()
	requests, err := store.NewRequestStore("")
	require.NoError(t, err)
	coord, err := NewCoordinator(Config{CycleDuration: 24 * time.Hour, MinimumBid: "1"},
		clients, requests, cycles, NewReviewer(oracleClient), clk)
	require.NoError(t, err)
	return coord, requests
}

func evmBid(bidder string, amountUsdc int64) common.Bid {
	bid := testBid(bidder, amountUsdc)
	bid.Chain = common.ChainEVM
	bid.BidRef = bidder
	return bid
}

func TestFetchBidsJoinsAndSorts(t *testing.T) {
	solClient := &mockEscrowClient{chain: common.ChainSolana,
		bids: []common.Bid{testBid("sol-bob", 10)}}
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25), evmBid("0xcarol", 5)}}
	coord, requests := newTestCoordinator(t,
		[]common.EscrowClient{solClient, evmClient},
		store.NewMemCycleStore(), &oracle.MockClient{}, nil)
	require.NoError(t, requests.Save("sol-bob", "a cartoon about gophers", ""))

	bids := coord.FetchBids(context.Background())
	require.Len(t, bids, 3)
	assert.Equal(t, "0xalice", bids[0].Bidder)
	assert.Equal(t, "sol-bob", bids[1].Bidder)
	assert.Equal(t, "0xcarol", bids[2].Bidder)
	assert.Equal(t, "a cartoon about gophers", bids[1].RequestText,
		"request metadata is joined onto the on-chain bid")
	assert.Empty(t, bids[0].RequestText)
}

func TestFetchBidsPartialOnChainFailure(t *testing.T) {
	solClient := &mockEscrowClient{chain: common.ChainSolana,
		listErr: fmt.Errorf("rpc down")}
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)}}
	coord, _ := newTestCoordinator(t, []common.EscrowClient{solClient, evmClient},
		store.NewMemCycleStore(), &oracle.MockClient{}, nil)

	bids := coord.FetchBids(context.Background())
	require.Len(t, bids, 1, "one chain failing must not block the other")
	assert.Equal(t, "0xalice", bids[0].Bidder)
}

func TestSettleCycleHighestApprovedWins(t *testing.T) {
	solClient := &mockEscrowClient{chain: common.ChainSolana,
		bids: []common.Bid{testBid("sol-bob", 10)}}
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)}}
	cycles := store.NewMemCycleStore()
	coord, _ := newTestCoordinator(t, []common.EscrowClient{solClient, evmClient},
		cycles, &oracle.MockClient{}, nil)

	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "0xalice", result.Winner.Bidder)
	assert.Equal(t, "tx-0xalice", result.TxID)
	assert.Equal(t, []string{"0xalice"}, evmClient.settled,
		"settle goes to the winner's origin chain only")
	assert.Empty(t, solClient.settled)

	state, err := cycles.Load()
	require.NoError(t, err)
	assert.NotNil(t, state.LastSettledAt)
}

func TestSettleCycleRejectedBidsStayActive(t *testing.T) {
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25), evmBid("0xbob", 10)}}
	oracleClient := &oracle.MockClient{
		Decide: func(bid *common.Bid) (*oracle.Decision, error) {
			if bid.Bidder == "0xalice" {
				return &oracle.Decision{Approved: false, Reason: "off-policy"}, nil
			}
			return &oracle.Decision{Approved: true}, nil
		},
	}
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient},
		store.NewMemCycleStore(), oracleClient, nil)

	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, "0xbob", result.Winner.Bidder)
	require.Len(t, result.Rejections, 1)
	assert.Equal(t, "0xalice", result.Rejections[0].Bid.Bidder)

	// the rejected bid is still listed next cycle
	bids := coord.FetchBids(context.Background())
	require.Len(t, bids, 1)
	assert.Equal(t, "0xalice", bids[0].Bidder)
}

func TestSettleCycleNoBidsAdvancesCycle(t *testing.T) {
	clk := clock.NewMock()
	evmClient := &mockEscrowClient{chain: common.ChainEVM}
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient},
		store.NewMemCycleStore(), &oracle.MockClient{}, clk)

	require.True(t, coord.ShouldSettle(), "a never-settled auction is due immediately")
	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Winner)
	assert.False(t, coord.ShouldSettle())

	clk.Add(24*time.Hour - time.Minute)
	assert.False(t, coord.ShouldSettle())
	clk.Add(time.Minute)
	assert.True(t, coord.ShouldSettle())
}

func TestSettleCycleAllRejectedAdvancesCycle(t *testing.T) {
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)}}
	oracleClient := &oracle.MockClient{
		Decide: func(bid *common.Bid) (*oracle.Decision, error) {
			return &oracle.Decision{Approved: false, Reason: "no"}, nil
		},
	}
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient},
		store.NewMemCycleStore(), oracleClient, nil)

	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Winner)
	assert.False(t, coord.ShouldSettle(),
		"a fully rejected cycle advances, otherwise the same decision repeats forever")
	assert.Empty(t, evmClient.settled)
}

func TestSettleCycleWithdrawnWinnerAdvancesCycle(t *testing.T) {
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)},
		settleFn: func(bidRef string) (string, error) {
			return "", fmt.Errorf("call reverted: %w", common.ErrBidNotActive)
		}}
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient},
		store.NewMemCycleStore(), &oracle.MockClient{}, nil)

	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Winner, "a withdrawn winner is an expected race, not a failure")
	assert.False(t, coord.ShouldSettle())
}

func TestRestartDoesNotDoubleSettle(t *testing.T) {
	clk := clock.NewMock()
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)}}
	cycles := store.NewMemCycleStore()
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient}, cycles,
		&oracle.MockClient{}, clk)

	result, err := coord.SettleCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Winner)

	// a restarted node reloads the same persisted state and is not due
	restarted, _ := newTestCoordinator(t, []common.EscrowClient{evmClient}, cycles,
		&oracle.MockClient{}, clk)
	assert.False(t, restarted.ShouldSettle())
	assert.Equal(t, []string{"0xalice"}, evmClient.settled, "exactly one settlement")
}

func TestCrashMidSettleResolvesOnRestart(t *testing.T) {
	// the settle confirmed on chain but the process died before
	// markSettled: on restart the cycle is still due, but the settled bid
	// no longer lists as active, so nothing is paid twice
	evmClient := &mockEscrowClient{chain: common.ChainEVM,
		bids: []common.Bid{evmBid("0xalice", 25)}}
	cycles := store.NewMemCycleStore()
	coord, _ := newTestCoordinator(t, []common.EscrowClient{evmClient}, cycles,
		&oracle.MockClient{}, nil)

	_, err := coord.settleWinner(context.Background(), &evmClient.bids[0])
	require.NoError(t, err)
	// simulated crash here: markSettled never ran

	restarted, _ := newTestCoordinator(t, []common.EscrowClient{evmClient}, cycles,
		&oracle.MockClient{}, nil)
	require.True(t, restarted.ShouldSettle())
	result, err := restarted.SettleCycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Winner)
	assert.Equal(t, []string{"0xalice"}, evmClient.settled, "exactly one settlement")
	assert.False(t, restarted.ShouldSettle())
}

func TestNewCoordinatorValidation(t *testing.T) {
	requests, err := store.NewRequestStore("")
	require.NoError(t, err)
	_, err = NewCoordinator(Config{CycleDuration: 0}, nil, requests,
		store.NewMemCycleStore(), NewReviewer(&oracle.MockClient{}), nil)
	assert.Error(t, err)
	_, err = NewCoordinator(Config{CycleDuration: time.Hour}, nil, requests,
		store.NewMemCycleStore(), NewReviewer(&oracle.MockClient{}), nil)
	assert.Error(t, err)
}
