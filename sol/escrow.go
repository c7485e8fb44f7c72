package sol

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/log"
)

// usdcDecimals is the number of decimals of the escrow settlement currency.
const usdcDecimals = 6

// bidAccountSize is the on-chain size of a bid account: 8-byte account
// discriminator, 32-byte bidder, u64 amount, i64 created_at, i64
// updated_at, bool active, u8 bump.
const bidAccountSize = 8 + 32 + 8 + 8 + 8 + 1 + 1

// anchorDiscriminator derives the 8-byte discriminator the escrow program
// prefixes to accounts and instruction data.
func anchorDiscriminator(name string) []byte {
	h := sha256.Sum256([]byte(name))
	return h[:8]
}

var (
	bidAccountDiscriminator = anchorDiscriminator("account:Bid")
	settleDiscriminator     = anchorDiscriminator("global:settle")
)

// EscrowConfig addresses the deployed escrow program and its fixed
// accounts.  The state and escrow token accounts are derived addresses
// fixed at deployment, so they are configured rather than re-derived.
type EscrowConfig struct {
	ProgramID       PublicKey
	AuctionStatePDA PublicKey
	EscrowTokenPDA  PublicKey
	Treasury        PublicKey
	USDCMint        PublicKey
}

// EscrowClient is the Solana implementation of common.EscrowClient.  The
// account model lets it enumerate every bid account of the program
// directly, so it never needs a candidate bidder list.
type EscrowClient struct {
	client *Client
	cfg    EscrowConfig
	agent  *Keypair
}

// NewEscrowClient creates an EscrowClient.  agent is the keypair registered
// as the program's agent; only it may settle.
func NewEscrowClient(client *Client, cfg EscrowConfig, agent *Keypair) *EscrowClient {
	return &EscrowClient{client: client, cfg: cfg, agent: agent}
}

// Chain returns common.ChainSolana.
func (c *EscrowClient) Chain() common.Chain {
	return common.ChainSolana
}

// ListActiveBids enumerates all active bid accounts owned by the escrow
// program.  The knownBidders candidate list is ignored: enumeration by
// account discriminator does not need one.
func (c *EscrowClient) ListActiveBids(ctx context.Context,
	knownBidders []string) ([]common.Bid, error) {
	accounts, err := c.client.GetProgramAccounts(ctx, c.cfg.ProgramID,
		bidAccountSize, bidAccountDiscriminator)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	bids := make([]common.Bid, 0, len(accounts))
	for _, account := range accounts {
		bid, active, err := decodeBidAccount(account.Data)
		if err != nil {
			log.Warnw("Skipping undecodable bid account",
				"account", account.Pubkey, "err", err)
			continue
		}
		if !active {
			continue
		}
		bid.BidRef = account.Pubkey.String()
		bids = append(bids, *bid)
	}
	return bids, nil
}

func decodeBidAccount(data []byte) (*common.Bid, bool, error) {
	if len(data) != bidAccountSize {
		return nil, false, tracerr.Wrap(fmt.Errorf("bid account size %v", len(data)))
	}
	var bidder PublicKey
	copy(bidder[:], data[8:40])
	amount := binary.LittleEndian.Uint64(data[40:48])
	createdAt := int64(binary.LittleEndian.Uint64(data[48:56]))
	updatedAt := int64(binary.LittleEndian.Uint64(data[56:64]))
	active := data[64] != 0
	bid := &common.Bid{
		Chain:     common.ChainSolana,
		Bidder:    bidder.String(),
		AmountRaw: new(big.Int).SetUint64(amount),
		Decimals:  usdcDecimals,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}
	return bid, active, nil
}

// Settle pays out the bid held by the account bidRef to the treasury and
// waits for confirmation.  A transaction that fails in preflight or on
// chain is reported as common.ErrBidNotActive: the program's only revert
// path for a well-configured agent is the bid having been withdrawn
// between listing and settling.
func (c *EscrowClient) Settle(ctx context.Context, bidRef string) (string, error) {
	bidAccount, err := PublicKeyFromBase58(bidRef)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	ix := Instruction{
		ProgramID: c.cfg.ProgramID,
		Accounts: []AccountMeta{
			{Pubkey: c.cfg.AuctionStatePDA, IsWritable: true},
			{Pubkey: bidAccount, IsWritable: true},
			{Pubkey: c.cfg.EscrowTokenPDA, IsWritable: true},
			{Pubkey: c.cfg.Treasury, IsWritable: true},
			{Pubkey: c.cfg.USDCMint},
			{Pubkey: c.agent.PublicKey(), IsSigner: true},
			{Pubkey: TokenProgramID},
		},
		Data: settleDiscriminator,
	}
	blockhash, err := c.client.GetLatestBlockhash(ctx)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	tx, err := NewTransaction(c.agent.PublicKey(), blockhash, []Instruction{ix})
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if err := tx.Sign(c.agent); err != nil {
		return "", tracerr.Wrap(err)
	}
	signature, err := c.client.SendTransaction(ctx, tx)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(tracerr.Unwrap(err), &rpcErr) && rpcErr.Code == -32002 {
			// preflight simulation rejected the settle
			return "", tracerr.Wrap(fmt.Errorf("%w: %v", common.ErrBidNotActive, rpcErr))
		}
		return "", tracerr.Wrap(err)
	}
	log.Infow("Settle transaction sent", "sig", signature, "bid", bidRef)
	if err := c.client.ConfirmTransaction(ctx, signature); err != nil {
		var txErr *ErrTxFailed
		if errors.As(tracerr.Unwrap(err), &txErr) {
			return "", tracerr.Wrap(fmt.Errorf("%w: %v", common.ErrBidNotActive, txErr))
		}
		return "", tracerr.Wrap(err)
	}
	return signature, nil
}
