package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/log"
)

// usdcDecimals is the number of decimals of the escrow settlement currency.
const usdcDecimals = 6

// escrowABI is the subset of the escrow contract interface the node uses.
const escrowABI = `[
	{"type":"function","name":"bids","stateMutability":"view",
	 "inputs":[{"name":"bidder","type":"address"}],
	 "outputs":[{"name":"amount","type":"uint256"},
	            {"name":"createdAt","type":"uint64"},
	            {"name":"updatedAt","type":"uint64"},
	            {"name":"active","type":"bool"}]},
	{"type":"function","name":"settle","stateMutability":"nonpayable",
	 "inputs":[{"name":"bidder","type":"address"}],"outputs":[]}
]`

// EscrowClient is the EVM implementation of common.EscrowClient.  The
// contract exposes no bid enumeration primitive, so listing requires a
// candidate bidder list and probes each address individually.
type EscrowClient struct {
	client   *EthereumClient
	address  ethCommon.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewEscrowClient creates an EscrowClient bound to the escrow contract at
// address.
func NewEscrowClient(client *EthereumClient, address ethCommon.Address) (*EscrowClient, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &EscrowClient{
		client:   client,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, client.Client(), client.Client(), client.Client()),
	}, nil
}

// Chain returns common.ChainEVM.
func (c *EscrowClient) Chain() common.Chain {
	return common.ChainEVM
}

type bidRecord struct {
	Amount    *big.Int
	CreatedAt uint64
	UpdatedAt uint64
	Active    bool
}

func (c *EscrowClient) bidOf(ctx context.Context, bidder ethCommon.Address) (*bidRecord, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "bids", bidder); err != nil {
		return nil, tracerr.Wrap(err)
	}
	record := &bidRecord{
		Amount:    *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		CreatedAt: *abi.ConvertType(out[1], new(uint64)).(*uint64),
		UpdatedAt: *abi.ConvertType(out[2], new(uint64)).(*uint64),
		Active:    *abi.ConvertType(out[3], new(bool)).(*bool),
	}
	return record, nil
}

// ListActiveBids probes every candidate address in knownBidders against the
// escrow contract and returns the active bids found.  Candidates that are
// not EVM addresses (the request store holds bidders of every chain) and
// addresses without an active bid are silently omitted.
func (c *EscrowClient) ListActiveBids(ctx context.Context,
	knownBidders []string) ([]common.Bid, error) {
	var bids []common.Bid
	for _, candidate := range knownBidders {
		if !ethCommon.IsHexAddress(candidate) {
			continue
		}
		bidder := ethCommon.HexToAddress(candidate)
		record, err := c.bidOf(ctx, bidder)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if !record.Active || record.Amount.Sign() == 0 {
			continue
		}
		bids = append(bids, common.Bid{
			Chain:     common.ChainEVM,
			Bidder:    bidder.Hex(),
			AmountRaw: record.Amount,
			Decimals:  usdcDecimals,
			CreatedAt: time.Unix(int64(record.CreatedAt), 0).UTC(),
			UpdatedAt: time.Unix(int64(record.UpdatedAt), 0).UTC(),
			BidRef:    bidder.Hex(),
		})
	}
	return bids, nil
}

// Settle pays out the bid of the bidder bidRef to the treasury and waits
// for the transaction receipt.  A reverted settle means the bid was
// withdrawn between listing and settling and is reported as
// common.ErrBidNotActive.
func (c *EscrowClient) Settle(ctx context.Context, bidRef string) (string, error) {
	if !ethCommon.IsHexAddress(bidRef) {
		return "", tracerr.Wrap(fmt.Errorf("invalid bid ref %v", bidRef))
	}
	bidder := ethCommon.HexToAddress(bidRef)
	tx, err := c.client.CallAuth(ctx, 0,
		func(client *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.contract.Transact(auth, "settle", bidder)
		})
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	log.Infow("Settle transaction sent", "tx", tx.Hash().Hex(), "bid", bidRef)
	if _, err := c.client.WaitReceipt(ctx, tx); err != nil {
		if errors.Is(tracerr.Unwrap(err), ErrReceiptStatusFailed) {
			return "", tracerr.Wrap(fmt.Errorf("%w: settle of %v reverted",
				common.ErrBidNotActive, bidRef))
		}
		return "", tracerr.Wrap(err)
	}
	return tx.Hash().Hex(), nil
}
