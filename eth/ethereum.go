// Package eth gives access to the EVM chain: the escrow contract, the
// settlement token and the batch-disperse contract used by the refund
// campaign.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/log"
)

var (
	// ErrAccountNil is used when the calls can not be made because the account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrReceiptStatusFailed is used when receiving a failed transaction
	ErrReceiptStatusFailed = fmt.Errorf("receipt status is failed")
	// ErrReceiptNotReceived is used when unable to retrieve a transaction receipt
	ErrReceiptNotReceived = fmt.Errorf("receipt not available")
)

const (
	defaultCallGasLimit        = 300000
	defaultGasPriceDiv         = 100
	defaultReceiptTimeout      = 60 * time.Second
	defaultIntervalReceiptLoop = 200 * time.Millisecond
	defaultCallTimeout         = 15 * time.Second
)

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	CallGasLimit        uint64
	GasPriceDiv         uint64
	ReceiptTimeout      time.Duration
	IntervalReceiptLoop time.Duration
	CallTimeout         time.Duration
}

// EthereumClient is an ethereum client to call smart contract methods and
// check blockchain information.
type EthereumClient struct {
	client  *ethclient.Client
	chainID *big.Int
	account *accounts.Account
	ks      *ethKeystore.KeyStore
	config  *EthereumConfig
}

// NewEthereumClient creates a EthereumClient instance.  The account is not
// mandatory (it can be nil).  If the account is nil, CallAuth will fail
// with ErrAccountNil.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{}
	}
	if config.CallGasLimit == 0 {
		config.CallGasLimit = defaultCallGasLimit
	}
	if config.GasPriceDiv == 0 {
		config.GasPriceDiv = defaultGasPriceDiv
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = defaultReceiptTimeout
	}
	if config.IntervalReceiptLoop == 0 {
		config.IntervalReceiptLoop = defaultIntervalReceiptLoop
	}
	if config.CallTimeout == 0 {
		config.CallTimeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.CallTimeout)
	defer cancel()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &EthereumClient{
		client:  client,
		chainID: chainID,
		account: account,
		ks:      ks,
		config:  config,
	}, nil
}

// Client returns the underlying ethclient.Client.
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}

// Address returns the ethereum address of the account loaded into the client.
func (c *EthereumClient) Address() (ethCommon.Address, error) {
	if c.account == nil {
		return ethCommon.Address{}, tracerr.Wrap(ErrAccountNil)
	}
	return c.account.Address, nil
}

// BalanceAt returns the native currency balance of addr.
func (c *EthereumClient) BalanceAt(ctx context.Context, addr ethCommon.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	return c.client.BalanceAt(ctx, addr, nil)
}

// CurrentBlock returns the current block number in the blockchain.
func (c *EthereumClient) CurrentBlock(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, tracerr.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// CallAuth performs a smart contract method call that requires
// authorization.  This call requires a valid account with Ether that can be
// spent during the call.
func (c *EthereumClient) CallAuth(ctx context.Context, gasLimit uint64,
	fn func(*ethclient.Client, *bind.TransactOpts) (*types.Transaction, error),
) (*types.Transaction, error) {
	if c.account == nil {
		return nil, tracerr.Wrap(ErrAccountNil)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	inc := new(big.Int).Set(gasPrice)
	inc.Div(inc, new(big.Int).SetUint64(c.config.GasPriceDiv))
	gasPrice.Add(gasPrice, inc)
	log.Debugw("Transaction metadata", "gasPrice", gasPrice)

	auth, err := bind.NewKeyStoreTransactorWithChainID(c.ks, *c.account, c.chainID)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	auth.Value = big.NewInt(0) // in wei
	if gasLimit == 0 {
		auth.GasLimit = c.config.CallGasLimit // in units
	} else {
		auth.GasLimit = gasLimit // in units
	}
	auth.GasPrice = gasPrice
	auth.Context = ctx

	tx, err := fn(c.client, auth)
	if tx != nil {
		log.Debugw("Transaction", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	}
	return tx, tracerr.Wrap(err)
}

// Call performs a read only smart contract method call.
func (c *EthereumClient) Call(fn func(*ethclient.Client) error) error {
	return fn(c.client)
}

// WaitReceipt will block until a transaction is confirmed.  Internally it
// polls the state every IntervalReceiptLoop.  Returns
// ErrReceiptStatusFailed when the transaction was mined but reverted.
func (c *EthereumClient) WaitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	var err error
	var receipt *types.Receipt

	txHash := tx.Hash()
	log.Debugw("Waiting for receipt", "tx", txHash.Hex())

	start := time.Now()
	for {
		receipt, err = c.client.TransactionReceipt(ctx, txHash)
		if receipt != nil || time.Since(start) >= c.config.ReceiptTimeout {
			break
		}
		select {
		case <-ctx.Done():
			return nil, tracerr.Wrap(ctx.Err())
		case <-time.After(c.config.IntervalReceiptLoop):
		}
	}

	if receipt != nil && receipt.Status == types.ReceiptStatusFailed {
		log.Errorw("Failed transaction", "tx", txHash.Hex())
		return receipt, tracerr.Wrap(ErrReceiptStatusFailed)
	}
	if receipt == nil {
		log.Debugw("Pending transaction / wait receipt timeout",
			"tx", txHash.Hex(), "lasterr", err)
		return receipt, tracerr.Wrap(ErrReceiptNotReceived)
	}
	log.Debugw("Successful transaction", "tx", txHash.Hex())
	return receipt, nil
}
