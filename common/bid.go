package common

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"
)

// Chain identifies which escrow contract holds the funds of a bid.
type Chain string

const (
	// ChainSolana is the account-model chain.  Its escrow client can
	// enumerate all bid accounts directly.
	ChainSolana Chain = "solana"
	// ChainEVM is the EVM chain.  Its escrow client has no enumeration
	// primitive and must probe candidate bidder addresses one by one.
	ChainEVM Chain = "evm"
)

// ErrBidNotActive is returned by EscrowClient.Settle when the bid was
// withdrawn (or already settled) between listing and settling.  This is an
// expected race, not an infrastructure failure.
var ErrBidNotActive = errors.New("bid is no longer active")

// Bid is one party's standing offer held by an on-chain escrow contract,
// joined with its off-chain request metadata.
type Bid struct {
	// Chain is the chain whose escrow contract holds the funds
	Chain Chain `json:"chain"`
	// Bidder is the chain-native address of the bidding party
	Bidder string `json:"bidder"`
	// AmountRaw is the escrowed amount in the smallest currency unit.  It
	// is the on-chain source of truth; all settlement arithmetic uses it.
	AmountRaw *big.Int `json:"amountRaw"`
	// Decimals of the settlement currency on the origin chain
	Decimals uint `json:"decimals"`
	// RequestText is the free text of the request, joined from the
	// off-chain request store.  Empty when the bidder never saved one.
	RequestText string `json:"requestText"`
	// ReferenceImage is an optional image URL, off-chain only
	ReferenceImage string `json:"referenceImage,omitempty"`
	// CreatedAt and UpdatedAt are chain-reported timestamps
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// BidRef is the chain-specific settlement handle: the derived bid
	// account address on Solana, the bidder's own address on the EVM chain
	BidRef string `json:"bidRef"`
}

// AmountDisplay returns the bid amount as a decimal string in display units.
// Display only, never used in settlement arithmetic.
func (b *Bid) AmountDisplay() string {
	if b.AmountRaw == nil {
		return "0"
	}
	f := new(big.Float).SetInt(b.AmountRaw)
	f.Quo(f, new(big.Float).SetInt(pow10(b.Decimals)))
	return strings.TrimRight(strings.TrimRight(f.Text('f', int(b.Decimals)), "0"), ".")
}

// Cmp orders bids for review: amount descending, then bidder address
// ascending as a deterministic tie-break.  Amounts are normalized to a
// common scale before comparing so chains with different currency decimals
// compare correctly.
func (b *Bid) Cmp(o *Bid) int {
	maxDec := b.Decimals
	if o.Decimals > maxDec {
		maxDec = o.Decimals
	}
	bn := new(big.Int).Mul(b.AmountRaw, pow10(maxDec-b.Decimals))
	on := new(big.Int).Mul(o.AmountRaw, pow10(maxDec-o.Decimals))
	if c := on.Cmp(bn); c != 0 {
		return c
	}
	return strings.Compare(b.Bidder, o.Bidder)
}

func pow10(n uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// EscrowClient is the uniform interface to a single on-chain escrow
// contract.  Two implementations exist, one per chain; orchestrator logic
// never branches on the concrete type except to dispatch Settle to the
// client matching a bid's Chain tag.
type EscrowClient interface {
	// Chain returns the chain this client settles on
	Chain() Chain
	// ListActiveBids returns all currently active bids held by the escrow
	// contract.  knownBidders is the candidate address list required by
	// clients that cannot enumerate (the EVM client); enumeration-capable
	// clients ignore it.
	ListActiveBids(ctx context.Context, knownBidders []string) ([]Bid, error)
	// Settle pays out the bid identified by bidRef to the agent treasury
	// and waits for on-chain confirmation.  Returns ErrBidNotActive
	// (wrapped) when the bid was withdrawn in the meantime.
	Settle(ctx context.Context, bidRef string) (txID string, err error)
}
