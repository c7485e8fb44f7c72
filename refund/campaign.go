// Package refund implements the one-shot batch refund campaign: trace the
// funds received from the payment router, attribute them back to the
// parties who paid the fees, and pay proportional refunds through the
// batch-disperse contract in crash-safe, resumable batches.
package refund

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/eth"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/metric"
	"github.com/inkwell-agent/auction-node/store"
)

// ChainInterface is the part of the EVM client the campaign uses.
type ChainInterface interface {
	Address() (ethCommon.Address, error)
	BalanceAt(ctx context.Context, addr ethCommon.Address) (*big.Int, error)
	CurrentBlock(ctx context.Context) (int64, error)
	TransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
}

// TokenInterface is the ERC20 surface the campaign uses.
type TokenInterface interface {
	Address() ethCommon.Address
	BalanceOf(ctx context.Context, owner ethCommon.Address) (*big.Int, error)
	Approve(ctx context.Context, spender ethCommon.Address, value *big.Int) (string, error)
	FilterTransfers(ctx context.Context, from, to *ethCommon.Address,
		fromBlock, toBlock int64) ([]eth.Transfer, error)
	IsTransferLog(l types.Log) bool
}

// FeeRouterInterface reads the payment router's fee-deduction events.
type FeeRouterInterface interface {
	FilterFeeEvents(ctx context.Context, fromBlock, toBlock int64) ([]eth.FeeEvent, error)
}

// DisperseInterface is the batch-payment contract surface.
type DisperseInterface interface {
	Address() ethCommon.Address
	Simulate(ctx context.Context, token ethCommon.Address,
		recipients []ethCommon.Address, values []*big.Int) error
	Disperse(ctx context.Context, token ethCommon.Address,
		recipients []ethCommon.Address, values []*big.Int, gasLimit uint64) (string, error)
}

const (
	// minChunkSize is the smallest log-fetch block range tried before a
	// chunk failure becomes fatal.  A silently dropped chunk would
	// corrupt the refundable total.
	minChunkSize = 128
	// tokenDecimals of the settlement currency, display only
	tokenDecimals = 6
)

// fallbackBatchSizes are tried in order when the full recipient list does
// not simulate in one disperse call.
var fallbackBatchSizes = []int{200, 100, 50, 25}

// Config contains the refund campaign configuration.
type Config struct {
	// SourceAddress is the contract whose inbound transfers to the agent
	// are being refunded
	SourceAddress ethCommon.Address
	// StartBlock and EndBlock bound the discovery range
	StartBlock int64
	EndBlock   int64
	// ChunkSize is the initial log-fetch block range
	ChunkSize int64
	// DisperseGasLimit is the gas limit of one disperse transaction
	DisperseGasLimit uint64
}

// Campaign executes the refund procedure.  All resumability lives in the
// persisted RefundState; the campaign itself is stateless between runs.
type Campaign struct {
	cfg      Config
	client   ChainInterface
	token    TokenInterface
	fees     FeeRouterInterface
	disperse DisperseInterface
	states   store.RefundStore
}

// NewCampaign creates a Campaign.
func NewCampaign(cfg Config, client ChainInterface, token TokenInterface,
	fees FeeRouterInterface, disperse DisperseInterface,
	states store.RefundStore) (*Campaign, error) {
	if cfg.ChunkSize <= 0 {
		return nil, tracerr.Wrap(fmt.Errorf("invalid Config.ChunkSize (%v <= 0)",
			cfg.ChunkSize))
	}
	return &Campaign{
		cfg:      cfg,
		client:   client,
		token:    token,
		fees:     fees,
		disperse: disperse,
		states:   states,
	}, nil
}

// Run executes the campaign from wherever the persisted state left off.
// A state file that exists but cannot be read is fatal: re-running from
// zero after partial execution would double-pay already-sent batches.
func (c *Campaign) Run(ctx context.Context) error {
	state, err := c.states.Load()
	if err != nil {
		return tracerr.Wrap(fmt.Errorf("refusing to run with unreadable refund state: %w", err))
	}
	if state != nil && state.Completed {
		log.Info("Refund campaign already completed, nothing to do")
		return nil
	}

	agent, err := c.client.Address()
	if err != nil {
		return tracerr.Wrap(err)
	}
	gasBalance, err := c.client.BalanceAt(ctx, agent)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if gasBalance.Sign() == 0 {
		return tracerr.Wrap(fmt.Errorf("agent %v has zero native balance to pay gas", agent.Hex()))
	}

	if state == nil {
		state, err = c.computeState(ctx, agent)
		if err != nil {
			return tracerr.Wrap(err)
		}
		// freeze the payout table before any payment happens
		if err := c.states.Save(state); err != nil {
			return tracerr.Wrap(err)
		}
	} else {
		log.Infow("Resuming refund campaign from persisted state",
			"completedRecipientIndex", state.CompletedRecipientIndex,
			"recipients", len(state.Recipients))
	}

	if err := c.execute(ctx, state); err != nil {
		return tracerr.Wrap(err)
	}

	state.Completed = true
	if err := c.states.Save(state); err != nil {
		return tracerr.Wrap(err)
	}
	log.Infow("Refund campaign completed", "recipients", len(state.Recipients),
		"batches", len(state.DisperseTxHashes))
	return nil
}

// computeState runs discovery, attribution and the proportional payout
// computation, producing the frozen recipient table.
func (c *Campaign) computeState(ctx context.Context, agent ethCommon.Address) (*common.RefundState, error) {
	endBlock := c.cfg.EndBlock
	if endBlock == 0 {
		current, err := c.client.CurrentBlock(ctx)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		endBlock = current
	}

	received, err := c.discoverReceived(ctx, agent, c.cfg.StartBlock, endBlock)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	log.Infow("Discovered inbound transfers", "source", c.cfg.SourceAddress.Hex(),
		"received", displayAmount(received))

	attributed, forfeited, unattributable, err := c.attribute(ctx, agent,
		c.cfg.StartBlock, endBlock)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if unattributable > 0 {
		log.Warnw("Some fee events could not be attributed; their share is forfeited",
			"events", unattributable, "forfeited", displayAmount(forfeited))
	}

	balance, err := c.token.BalanceOf(ctx, agent)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	// never promise more than is both traceable and present
	pool := new(big.Int).Set(received)
	if balance.Cmp(pool) < 0 {
		pool.Set(balance)
	}
	log.Infow("Refundable pool", "pool", displayAmount(pool),
		"received", displayAmount(received), "balance", displayAmount(balance))

	return &common.RefundState{
		Recipients: computePayouts(attributed, pool),
	}, nil
}

// discoverReceived sums every token transfer from the source contract to
// the agent over [startBlock, endBlock], fetched in bounded chunks.  A
// failing chunk is retried at half the size; only a failure at the
// minimum chunk size is an error.
func (c *Campaign) discoverReceived(ctx context.Context, agent ethCommon.Address,
	startBlock, endBlock int64) (*big.Int, error) {
	received := big.NewInt(0)
	source := c.cfg.SourceAddress
	err := c.fetchChunked(ctx, startBlock, endBlock, func(ctx context.Context, lo, hi int64) error {
		transfers, err := c.token.FilterTransfers(ctx, &source, &agent, lo, hi)
		if err != nil {
			return tracerr.Wrap(err)
		}
		for _, transfer := range transfers {
			received.Add(received, transfer.Value)
		}
		return nil
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return received, nil
}

// attribute walks the payment router's fee-deduction events and maps each
// one to the real counterparty who incurred the fee.  Inbound events name
// the counterparty directly; outbound events name the agent itself, so the
// initiator is cross-referenced from the token transfer logs of the same
// transaction.  Events that cannot be attributed are counted and their
// value excluded: forfeited rather than guessed.
func (c *Campaign) attribute(ctx context.Context, agent ethCommon.Address,
	startBlock, endBlock int64) (map[ethCommon.Address]*big.Int, *big.Int, int, error) {
	var events []eth.FeeEvent
	err := c.fetchChunked(ctx, startBlock, endBlock, func(ctx context.Context, lo, hi int64) error {
		chunk, err := c.fees.FilterFeeEvents(ctx, lo, hi)
		if err != nil {
			return tracerr.Wrap(err)
		}
		events = append(events, chunk...)
		return nil
	})
	if err != nil {
		return nil, nil, 0, tracerr.Wrap(err)
	}

	attributed := make(map[ethCommon.Address]*big.Int)
	forfeited := big.NewInt(0)
	unattributable := 0
	for _, event := range events {
		counterparty, ok, err := c.counterpartyOf(ctx, agent, event)
		if err != nil {
			return nil, nil, 0, tracerr.Wrap(err)
		}
		if !ok {
			unattributable++
			forfeited.Add(forfeited, event.Amount)
			continue
		}
		if total, found := attributed[counterparty]; found {
			total.Add(total, event.Amount)
		} else {
			attributed[counterparty] = new(big.Int).Set(event.Amount)
		}
	}
	return attributed, forfeited, unattributable, nil
}

func (c *Campaign) counterpartyOf(ctx context.Context, agent ethCommon.Address,
	event eth.FeeEvent) (ethCommon.Address, bool, error) {
	if event.Inbound {
		return event.Account, true, nil
	}
	// outbound: the event names the agent; find who actually initiated
	// the transaction from its token transfer logs
	receipt, err := c.client.TransactionReceipt(ctx, event.TxHash)
	if err != nil {
		return ethCommon.Address{}, false, tracerr.Wrap(err)
	}
	for _, l := range receipt.Logs {
		if !c.token.IsTransferLog(*l) {
			continue
		}
		transfer, err := eth.DecodeTransferLog(*l)
		if err != nil {
			continue
		}
		if transfer.From != agent && transfer.From != c.cfg.SourceAddress {
			return transfer.From, true, nil
		}
	}
	return ethCommon.Address{}, false, nil
}

// computePayouts builds the frozen recipient table.  Integer arithmetic
// throughout: payout = floor(attributed * pool / totalAttributed), so the
// payouts can never sum to more than the pool.  Recipients are ordered by
// address so the same inputs always yield the same table.
func computePayouts(attributed map[ethCommon.Address]*big.Int,
	pool *big.Int) []common.RefundRecipient {
	totalAttributed := big.NewInt(0)
	addresses := make([]ethCommon.Address, 0, len(attributed))
	for address, amount := range attributed {
		totalAttributed.Add(totalAttributed, amount)
		addresses = append(addresses, address)
	}
	if totalAttributed.Sign() == 0 || pool.Sign() == 0 {
		return nil
	}
	sort.Slice(addresses, func(i, j int) bool {
		return strings.ToLower(addresses[i].Hex()) < strings.ToLower(addresses[j].Hex())
	})

	var recipients []common.RefundRecipient
	for _, address := range addresses {
		payout := new(big.Int).Mul(attributed[address], pool)
		payout.Div(payout, totalAttributed)
		if payout.Sign() == 0 {
			continue
		}
		recipients = append(recipients, common.RefundRecipient{
			Address:       address.Hex(),
			AttributedRaw: new(big.Int).Set(attributed[address]),
			AmountRaw:     payout,
			AmountDisplay: displayAmount(payout),
		})
	}
	return recipients
}

// execute pays the recipient table in batches, resuming from the persisted
// index.  State is persisted synchronously after every confirmed batch and
// never before; that is the sole crash-recovery mechanism.
func (c *Campaign) execute(ctx context.Context, state *common.RefundState) error {
	remaining := state.Recipients[state.CompletedRecipientIndex:]
	if len(remaining) == 0 {
		return nil
	}

	total := big.NewInt(0)
	for _, recipient := range remaining {
		total.Add(total, recipient.AmountRaw)
	}
	// one allowance covering everything still to pay, before any batch
	if _, err := c.token.Approve(ctx, c.disperse.Address(), total); err != nil {
		return tracerr.Wrap(err)
	}
	log.Infow("Disperse allowance granted", "total", displayAmount(total),
		"spender", c.disperse.Address().Hex())

	batchSize, err := c.discoverBatchSize(ctx, remaining)
	if err != nil {
		return tracerr.Wrap(err)
	}
	log.Infow("Batch size discovered", "batchSize", batchSize,
		"remaining", len(remaining))

	for start := state.CompletedRecipientIndex; start < len(state.Recipients); start += batchSize {
		end := start + batchSize
		if end > len(state.Recipients) {
			end = len(state.Recipients)
		}
		batch := state.Recipients[start:end]
		addresses, values := splitBatch(batch)

		// simulate this specific batch, not just the earlier generic check
		if err := c.disperse.Simulate(ctx, c.token.Address(), addresses, values); err != nil {
			return tracerr.Wrap(fmt.Errorf("batch [%v:%v] failed simulation: %w",
				start, end, err))
		}
		txHash, err := c.disperse.Disperse(ctx, c.token.Address(), addresses, values,
			c.cfg.DisperseGasLimit)
		if err != nil {
			// funds sent in prior batches are safe; nothing further executes
			return tracerr.Wrap(fmt.Errorf("batch [%v:%v] failed, halting campaign: %w",
				start, end, err))
		}
		state.CompletedRecipientIndex = end
		state.DisperseTxHashes = append(state.DisperseTxHashes, txHash)
		if err := c.states.Save(state); err != nil {
			return tracerr.Wrap(err)
		}
		metric.RefundBatches.Inc()
		log.Infow("Refund batch confirmed", "tx", txHash,
			"recipients", fmt.Sprintf("[%v:%v]", start, end))
	}
	return nil
}

// discoverBatchSize dry-runs the full remaining payout list, falling back
// to progressively smaller fixed batch sizes until one simulates.  An
// un-simulatable batch must never be blindly executed, so having no
// working size aborts the whole campaign.
func (c *Campaign) discoverBatchSize(ctx context.Context,
	remaining []common.RefundRecipient) (int, error) {
	sizes := []int{len(remaining)}
	for _, size := range fallbackBatchSizes {
		if size < len(remaining) {
			sizes = append(sizes, size)
		}
	}
	for _, size := range sizes {
		addresses, values := splitBatch(remaining[:size])
		if err := c.disperse.Simulate(ctx, c.token.Address(), addresses, values); err != nil {
			log.Warnw("Batch size failed simulation", "size", size, "err", err)
			continue
		}
		return size, nil
	}
	return 0, tracerr.Wrap(fmt.Errorf("no batch size simulates successfully, aborting"))
}

func splitBatch(batch []common.RefundRecipient) ([]ethCommon.Address, []*big.Int) {
	addresses := make([]ethCommon.Address, len(batch))
	values := make([]*big.Int, len(batch))
	for i, recipient := range batch {
		addresses[i] = ethCommon.HexToAddress(recipient.Address)
		values[i] = recipient.AmountRaw
	}
	return addresses, values
}

// fetchChunked walks [from, to] in chunks, halving the chunk size on
// failure down to minChunkSize before giving up.
func (c *Campaign) fetchChunked(ctx context.Context, from, to int64,
	fetch func(ctx context.Context, lo, hi int64) error) error {
	chunk := c.cfg.ChunkSize
	lo := from
	for lo <= to {
		hi := lo + chunk - 1
		if hi > to {
			hi = to
		}
		if err := fetch(ctx, lo, hi); err != nil {
			if chunk > minChunkSize {
				chunk /= 2
				if chunk < minChunkSize {
					chunk = minChunkSize
				}
				log.Warnw("Log fetch chunk failed, retrying smaller",
					"from", lo, "to", hi, "newChunk", chunk, "err", err)
				continue
			}
			return tracerr.Wrap(fmt.Errorf("log fetch failed at minimum chunk size: %w", err))
		}
		lo = hi + 1
	}
	return nil
}

func displayAmount(raw *big.Int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)
	quo, rem := new(big.Int).QuoRem(raw, scale, new(big.Int))
	s := fmt.Sprintf("%v.%06d", quo, rem)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
