package eth

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
)

// disperseABI is the third-party batch-payment contract interface: one
// approved allowance fanned out to many recipients in a single
// transaction.
const disperseABI = `[
	{"type":"function","name":"disperseToken","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},
	           {"name":"recipients","type":"address[]"},
	           {"name":"values","type":"uint256[]"}],
	 "outputs":[]}
]`

// DisperseClient wraps the batch-disperse contract.
type DisperseClient struct {
	client   *EthereumClient
	address  ethCommon.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewDisperseClient creates a DisperseClient for the disperse contract at
// address.
func NewDisperseClient(client *EthereumClient, address ethCommon.Address) (*DisperseClient, error) {
	parsed, err := abi.JSON(strings.NewReader(disperseABI))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &DisperseClient{
		client:   client,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, client.Client(), client.Client(), client.Client()),
	}, nil
}

// Address returns the disperse contract address.
func (c *DisperseClient) Address() ethCommon.Address {
	return c.address
}

// Simulate dry-runs a disperseToken call without executing it.  Returns an
// error when the call would revert.
func (c *DisperseClient) Simulate(ctx context.Context, token ethCommon.Address,
	recipients []ethCommon.Address, values []*big.Int) error {
	data, err := c.abi.Pack("disperseToken", token, recipients, values)
	if err != nil {
		return tracerr.Wrap(err)
	}
	from, err := c.client.Address()
	if err != nil {
		return tracerr.Wrap(err)
	}
	msg := ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: data,
	}
	if _, err := c.client.Client().CallContract(ctx, msg, nil); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// Disperse executes a disperseToken call and waits for its receipt.
func (c *DisperseClient) Disperse(ctx context.Context, token ethCommon.Address,
	recipients []ethCommon.Address, values []*big.Int, gasLimit uint64) (string, error) {
	tx, err := c.client.CallAuth(ctx, gasLimit,
		func(client *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.contract.Transact(auth, "disperseToken", token, recipients, values)
		})
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if _, err := c.client.WaitReceipt(ctx, tx); err != nil {
		return "", tracerr.Wrap(err)
	}
	return tx.Hash().Hex(), nil
}
