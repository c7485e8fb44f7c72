package common

import "time"

// AuctionCycleState is the persisted state of the settlement cycle.
type AuctionCycleState struct {
	// LastSettledAt is the time of the last settlement, nil when the
	// auction has never settled (the first cycle settles immediately).
	LastSettledAt *time.Time `json:"lastSettledAt"`
}

// ShouldSettle reports whether a settlement cycle of the given duration has
// elapsed at time now.  Pure function of now and LastSettledAt.
func (s *AuctionCycleState) ShouldSettle(now time.Time, cycleDuration time.Duration) bool {
	if s.LastSettledAt == nil {
		return true
	}
	return !now.Before(s.LastSettledAt.Add(cycleDuration))
}

// NextSettleAt returns the next eligible settlement time, or zero time when
// the auction has never settled.
func (s *AuctionCycleState) NextSettleAt(cycleDuration time.Duration) time.Time {
	if s.LastSettledAt == nil {
		return time.Time{}
	}
	return s.LastSettledAt.Add(cycleDuration)
}
