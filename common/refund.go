package common

import "math/big"

// RefundRecipient is one row of the frozen payout table of a refund
// campaign.
type RefundRecipient struct {
	// Address of the counterparty being refunded
	Address string `json:"address"`
	// AttributedRaw is the amount attributed to this counterparty during
	// discovery, in the smallest currency unit
	AttributedRaw *big.Int `json:"attributedRaw"`
	// AmountRaw is the proportional payout in the smallest currency unit
	AmountRaw *big.Int `json:"amountRaw"`
	// AmountDisplay is the payout in display units, informational only
	AmountDisplay string `json:"amountDisplay"`
}

// RefundState is the persisted state of the one-shot refund campaign and
// the sole source of resumability.  It is mutated only after a batch has
// confirmed on-chain, and becomes immutable once Completed is true.
type RefundState struct {
	// Completed is the terminal flag; a completed campaign is a no-op on
	// any future invocation
	Completed bool `json:"completed"`
	// CompletedRecipientIndex is the resume point: recipients strictly
	// before this index have been paid
	CompletedRecipientIndex int `json:"completedRecipientIndex"`
	// DisperseTxHashes is the ordered audit trail of confirmed batch
	// transactions
	DisperseTxHashes []string `json:"disperseTxHashes"`
	// Recipients is the payout table, computed once and then frozen.
	// It must never be recomputed on resume: a fresh on-chain snapshot
	// after partial execution would double-count funds already paid.
	Recipients []RefundRecipient `json:"recipients"`
}
