// Package auction implements the cross-chain settlement orchestrator: it
// aggregates bids living in independent on-chain escrow contracts, joins
// them with off-chain request metadata, and drives the periodic
// winner-selection and payout protocol.
package auction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/metric"
	"github.com/inkwell-agent/auction-node/store"
)

// Config contains the Coordinator configuration.
type Config struct {
	// CycleDuration is the fixed settlement cycle length.  A cycle that
	// has never settled settles immediately.
	CycleDuration time.Duration
	// MinimumBid is the configured on-chain minimum bid in display units,
	// exposed over the API for clients.
	MinimumBid string
}

// Coordinator drives the settlement cycle over every registered escrow
// client.  It is the single writer of the persisted cycle state; chain
// state can change underneath it from other actors (bidders withdrawing),
// which settle treats as an expected race.
type Coordinator struct {
	cfg      Config
	clients  []common.EscrowClient
	requests *store.RequestStore
	cycles   store.CycleStore
	reviewer *Reviewer
	clk      clock.Clock

	mtx   sync.Mutex
	state common.AuctionCycleState
}

// NewCoordinator creates a Coordinator and loads the persisted cycle
// state.  clk may be nil, in which case the real clock is used.
func NewCoordinator(cfg Config, clients []common.EscrowClient,
	requests *store.RequestStore, cycles store.CycleStore,
	reviewer *Reviewer, clk clock.Clock) (*Coordinator, error) {
	if cfg.CycleDuration <= 0 {
		return nil, tracerr.Wrap(fmt.Errorf("invalid Config.CycleDuration (%v <= 0)",
			cfg.CycleDuration))
	}
	if len(clients) == 0 {
		return nil, tracerr.Wrap(fmt.Errorf("no escrow clients registered"))
	}
	if clk == nil {
		clk = clock.New()
	}
	state, err := cycles.Load()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &Coordinator{
		cfg:      cfg,
		clients:  clients,
		requests: requests,
		cycles:   cycles,
		reviewer: reviewer,
		clk:      clk,
		state:    *state,
	}, nil
}

// ShouldSettle reports whether the settlement cycle has elapsed.  The tick
// loop polls this on every tick; settlement is never scheduled ahead of
// time.
func (c *Coordinator) ShouldSettle() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state.ShouldSettle(c.clk.Now(), c.cfg.CycleDuration)
}

// State returns a copy of the current cycle state.
func (c *Coordinator) State() common.AuctionCycleState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// CycleDuration returns the configured cycle length.
func (c *Coordinator) CycleDuration() time.Duration {
	return c.cfg.CycleDuration
}

// MinimumBid returns the configured on-chain minimum bid in display units.
func (c *Coordinator) MinimumBid() string {
	return c.cfg.MinimumBid
}

// FetchBids queries every escrow client in parallel, joins the returned
// bids with the off-chain request store, and sorts them by amount
// descending (ties broken by bidder address).  A failing chain never
// blocks bids from the others: its failure is logged and the partial
// result is returned.
func (c *Coordinator) FetchBids(ctx context.Context) []common.Bid {
	knownBidders := c.requests.KnownBidders()

	var mtx sync.Mutex
	var bids []common.Bid
	var wg sync.WaitGroup
	for _, client := range c.clients {
		client := client
		wg.Add(1)
		go func() {
			defer wg.Done()
			chainBids, err := client.ListActiveBids(ctx, knownBidders)
			if err != nil {
				log.Warnw("ListActiveBids failed, continuing with partial bids",
					"chain", client.Chain(), "err", err)
				metric.FetchFailures.WithLabelValues(string(client.Chain())).Inc()
				return
			}
			mtx.Lock()
			bids = append(bids, chainBids...)
			mtx.Unlock()
		}()
	}
	wg.Wait()

	for i := range bids {
		if req, ok := c.requests.Get(bids[i].Bidder); ok {
			bids[i].RequestText = req.RequestText
			bids[i].ReferenceImage = req.ImageURL
		}
	}
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Cmp(&bids[j]) < 0
	})
	metric.ActiveBids.Set(float64(len(bids)))
	return bids
}

// SettleResult reports what a settlement cycle did.
type SettleResult struct {
	// Winner is the settled bid, nil when the cycle had no approved bid
	Winner *common.Bid
	// TxID is the settlement transaction on the winner's origin chain
	TxID string
	// Rejections are the bids reviewed and not approved this cycle; they
	// stay active on chain for the next cycle
	Rejections []Rejection
}

// SettleCycle runs one due settlement cycle: fetch, review in amount
// order, settle the first approved bid on its origin chain, then advance
// the cycle.  The cycle advances even when there are no bids, when every
// bid is rejected, or when the settle attempt itself fails, otherwise the
// same review decision would repeat forever.  Only a crash mid-settle
// leaves the cycle unadvanced, which a restart resolves by re-fetching:
// an already-settled bid no longer lists as active.
func (c *Coordinator) SettleCycle(ctx context.Context) (*SettleResult, error) {
	bids := c.FetchBids(ctx)
	result := &SettleResult{}
	if len(bids) == 0 {
		log.Infow("Settlement cycle has no bids")
		return result, tracerr.Wrap(c.markSettled())
	}

	winner, rejections := c.reviewer.SelectWinner(ctx, bids)
	result.Rejections = rejections
	if winner == nil {
		log.Infow("No bid approved this cycle, bids remain active",
			"reviewed", len(bids))
		return result, tracerr.Wrap(c.markSettled())
	}

	txID, err := c.settleWinner(ctx, winner)
	if err != nil {
		if errors.Is(tracerr.Unwrap(err), common.ErrBidNotActive) {
			// expected race: the winner withdrew between listing and settling
			log.Infow("Winning bid no longer active, advancing cycle",
				"chain", winner.Chain, "bidder", winner.Bidder)
		} else {
			log.Errorw("Settle failed, advancing cycle anyway",
				"chain", winner.Chain, "bidder", winner.Bidder, "err", err)
			metric.CollectError(err)
		}
		return result, tracerr.Wrap(c.markSettled())
	}
	result.Winner = winner
	result.TxID = txID
	log.Infow("Bid settled", "chain", winner.Chain, "bidder", winner.Bidder,
		"amount", winner.AmountDisplay(), "tx", txID)
	return result, tracerr.Wrap(c.markSettled())
}

// settleWinner dispatches the settle to the client matching the bid's
// chain tag.  This is the only place orchestrator logic selects a concrete
// chain client.
func (c *Coordinator) settleWinner(ctx context.Context, winner *common.Bid) (string, error) {
	metric.SettleAttempts.WithLabelValues(string(winner.Chain)).Inc()
	for _, client := range c.clients {
		if client.Chain() != winner.Chain {
			continue
		}
		txID, err := client.Settle(ctx, winner.BidRef)
		if err != nil {
			return "", tracerr.Wrap(err)
		}
		metric.SettleSuccesses.WithLabelValues(string(winner.Chain)).Inc()
		return txID, nil
	}
	return "", tracerr.Wrap(fmt.Errorf("no escrow client for chain %v", winner.Chain))
}

// markSettled advances the cycle to now and persists it.
func (c *Coordinator) markSettled() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	now := c.clk.Now().UTC()
	c.state.LastSettledAt = &now
	if err := c.cycles.Save(&c.state); err != nil {
		return tracerr.Wrap(err)
	}
	metric.CyclesSettled.Inc()
	return nil
}
