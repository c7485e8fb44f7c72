package eth

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hermeznetwork/tracerr"
)

// feeDeductedTopic is the topic0 of the payment router's
// FeeDeducted(address,uint256,bool) event.  account is indexed; amount and
// inbound live in the data.
var feeDeductedTopic = crypto.Keccak256Hash([]byte("FeeDeducted(address,uint256,bool)"))

// FeeEvent is one decoded fee-deduction event of the payment router.
type FeeEvent struct {
	// Account is the address named by the event.  For inbound fees it is
	// the real counterparty; for outbound fees it is the agent itself and
	// the counterparty must be resolved from the same transaction.
	Account ethCommon.Address
	Amount  *big.Int
	Inbound bool
	TxHash  ethCommon.Hash
}

// FeeRouterClient reads the fee-deduction event log of the payment router
// contract.
type FeeRouterClient struct {
	client  *EthereumClient
	address ethCommon.Address
}

// NewFeeRouterClient creates a FeeRouterClient for the router at address.
func NewFeeRouterClient(client *EthereumClient, address ethCommon.Address) *FeeRouterClient {
	return &FeeRouterClient{client: client, address: address}
}

// FilterFeeEvents returns the fee-deduction events in the block range
// [fromBlock, toBlock].
func (c *FeeRouterClient) FilterFeeEvents(ctx context.Context,
	fromBlock, toBlock int64) ([]FeeEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []ethCommon.Address{c.address},
		Topics:    [][]ethCommon.Hash{{feeDeductedTopic}},
	}
	logs, err := c.client.Client().FilterLogs(ctx, query)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	events := make([]FeeEvent, 0, len(logs))
	for _, l := range logs {
		event, err := decodeFeeEvent(l)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		events = append(events, *event)
	}
	return events, nil
}

func decodeFeeEvent(l types.Log) (*FeeEvent, error) {
	if len(l.Topics) != 2 || l.Topics[0] != feeDeductedTopic || len(l.Data) != 64 {
		return nil, tracerr.Wrap(tracerr.New("log is not a FeeDeducted event"))
	}
	return &FeeEvent{
		Account: ethCommon.BytesToAddress(l.Topics[1].Bytes()),
		Amount:  new(big.Int).SetBytes(l.Data[:32]),
		Inbound: new(big.Int).SetBytes(l.Data[32:]).Sign() != 0,
		TxHash:  l.TxHash,
	}, nil
}
