package auction

import (
	"context"

	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/oracle"
)

// rejectedOracleError is the generic rejection reason recorded when the
// oracle itself fails for a bid.  The failure never aborts the review of
// the remaining bids.
const rejectedOracleError = "review unavailable"

// Rejection records why a bid did not win its cycle.  Rejected bids stay
// active on chain and are reviewed again next cycle.
type Rejection struct {
	Bid    common.Bid
	Reason string
}

// Reviewer evaluates bids through the content-decision oracle.
type Reviewer struct {
	oracle oracle.Client
}

// NewReviewer creates a Reviewer on top of an oracle client.
func NewReviewer(oracleClient oracle.Client) *Reviewer {
	return &Reviewer{oracle: oracleClient}
}

// SelectWinner reviews bids in the given order and returns the first one
// the oracle approves, or nil when every bid is rejected.  Each evaluation
// is independent; an oracle error for one bid counts as a rejection and
// review continues with the next.  The highest bidder wins only if their
// content passes policy, so a lower bid can win when higher ones are
// rejected.
func (r *Reviewer) SelectWinner(ctx context.Context,
	bids []common.Bid) (*common.Bid, []Rejection) {
	var rejections []Rejection
	for i := range bids {
		bid := bids[i]
		decision, err := r.oracle.ReviewRequest(ctx, &bid)
		if err != nil {
			log.Warnw("Oracle review failed, treating as rejection",
				"chain", bid.Chain, "bidder", bid.Bidder, "err", err)
			rejections = append(rejections, Rejection{Bid: bid, Reason: rejectedOracleError})
			continue
		}
		if decision.Approved {
			log.Infow("Bid approved", "chain", bid.Chain, "bidder", bid.Bidder,
				"amount", bid.AmountDisplay())
			return &bid, rejections
		}
		log.Infow("Bid rejected", "chain", bid.Chain, "bidder", bid.Bidder,
			"reason", decision.Reason)
		rejections = append(rejections, Rejection{Bid: bid, Reason: decision.Reason})
	}
	return nil, rejections
}
