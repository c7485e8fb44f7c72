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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
)

const erc20ABI = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// transferTopic is the topic0 of the ERC20 Transfer(address,address,uint256)
// event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is one decoded ERC20 Transfer event.
type Transfer struct {
	From   ethCommon.Address
	To     ethCommon.Address
	Value  *big.Int
	TxHash ethCommon.Hash
}

// TokenClient wraps the ERC20 settlement token.
type TokenClient struct {
	client   *EthereumClient
	address  ethCommon.Address
	contract *bind.BoundContract
}

// NewTokenClient creates a TokenClient for the token at address.
func NewTokenClient(client *EthereumClient, address ethCommon.Address) (*TokenClient, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &TokenClient{
		client:   client,
		address:  address,
		contract: bind.NewBoundContract(address, parsed, client.Client(), client.Client(), client.Client()),
	}, nil
}

// Address returns the token contract address.
func (c *TokenClient) Address() ethCommon.Address {
	return c.address
}

// BalanceOf returns the token balance of owner.
func (c *TokenClient) BalanceOf(ctx context.Context, owner ethCommon.Address) (*big.Int, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx}
	if err := c.contract.Call(opts, &out, "balanceOf", owner); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Approve grants spender an allowance of value and waits for the receipt.
func (c *TokenClient) Approve(ctx context.Context, spender ethCommon.Address,
	value *big.Int) (string, error) {
	tx, err := c.client.CallAuth(ctx, 0,
		func(client *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.contract.Transact(auth, "approve", spender, value)
		})
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if _, err := c.client.WaitReceipt(ctx, tx); err != nil {
		return "", tracerr.Wrap(err)
	}
	return tx.Hash().Hex(), nil
}

// FilterTransfers returns the Transfer events of the token in the block
// range [fromBlock, toBlock], optionally restricted by from and to.
func (c *TokenClient) FilterTransfers(ctx context.Context, from, to *ethCommon.Address,
	fromBlock, toBlock int64) ([]Transfer, error) {
	topics := [][]ethCommon.Hash{{transferTopic}}
	if from != nil {
		topics = append(topics, []ethCommon.Hash{addressTopic(*from)})
	} else {
		topics = append(topics, nil)
	}
	if to != nil {
		topics = append(topics, []ethCommon.Hash{addressTopic(*to)})
	}
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []ethCommon.Address{c.address},
		Topics:    topics,
	}
	logs, err := c.client.Client().FilterLogs(ctx, query)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	transfers := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		transfer, err := DecodeTransferLog(l)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, nil
}

// DecodeTransferLog decodes an ERC20 Transfer event log.
func DecodeTransferLog(l types.Log) (*Transfer, error) {
	if len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return nil, tracerr.Wrap(tracerr.New("log is not an ERC20 Transfer"))
	}
	return &Transfer{
		From:   ethCommon.BytesToAddress(l.Topics[1].Bytes()),
		To:     ethCommon.BytesToAddress(l.Topics[2].Bytes()),
		Value:  new(big.Int).SetBytes(l.Data),
		TxHash: l.TxHash,
	}, nil
}

// IsTransferLog reports whether a raw log is an ERC20 Transfer of the
// given token.
func (c *TokenClient) IsTransferLog(l types.Log) bool {
	return l.Address == c.address && len(l.Topics) == 3 && l.Topics[0] == transferTopic
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *EthereumClient) TransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

func addressTopic(addr ethCommon.Address) ethCommon.Hash {
	return ethCommon.BytesToHash(addr.Bytes())
}
