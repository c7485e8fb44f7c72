package sol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dghubble/sling"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/mr-tron/base58"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	defaultRequestTimeout  = 15 * time.Second

	defaultConfirmTimeout      = 60 * time.Second
	defaultConfirmPollInterval = 2 * time.Second
)

// RPCError is a structured JSON-RPC error returned by the chain node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %v: %v", e.Code, e.Message)
}

// ErrTxFailed is returned by ConfirmTransaction when the transaction was
// confirmed but its execution failed on chain.
type ErrTxFailed struct {
	Signature string
	TxErr     json.RawMessage
}

func (e *ErrTxFailed) Error() string {
	return fmt.Sprintf("transaction %v failed on chain: %s", e.Signature, e.TxErr)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client talks JSON-RPC to a single Solana node.
type Client struct {
	rpc                 *sling.Sling
	confirmTimeout      time.Duration
	confirmPollInterval time.Duration
}

// ClientConfig are the optional parameters of a Client.
type ClientConfig struct {
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// NewClient creates a Client for the node at rpcURL.
func NewClient(rpcURL string, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.ConfirmPollInterval == 0 {
		cfg.ConfirmPollInterval = defaultConfirmPollInterval
	}
	tr := &http.Transport{
		MaxIdleConns:    defaultMaxIdleConns,
		IdleConnTimeout: defaultIdleConnTimeout,
	}
	httpClient := &http.Client{Transport: tr, Timeout: defaultRequestTimeout}
	return &Client{
		rpc:                 sling.New().Base(rpcURL).Client(httpClient),
		confirmTimeout:      cfg.ConfirmTimeout,
		confirmPollInterval: cfg.ConfirmPollInterval,
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{},
	result interface{}) error {
	body := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	req, err := c.rpc.New().Post("").BodyJSON(&body).Request()
	if err != nil {
		return tracerr.Wrap(err)
	}
	var resBody rpcResponse
	res, err := c.rpc.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return tracerr.Wrap(fmt.Errorf("rpc http status %v", res.StatusCode))
	}
	if resBody.Error != nil {
		return tracerr.Wrap(resBody.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resBody.Result, result); err != nil {
			return tracerr.Wrap(err)
		}
	}
	return nil
}

// ProgramAccount is one entry of a getProgramAccounts response, with its
// account data already base64-decoded.
type ProgramAccount struct {
	Pubkey PublicKey
	Data   []byte
}

type memcmpFilter struct {
	Memcmp struct {
		Offset int    `json:"offset"`
		Bytes  string `json:"bytes"`
	} `json:"memcmp"`
}

type dataSizeFilter struct {
	DataSize int `json:"dataSize"`
}

// GetProgramAccounts lists the accounts owned by programID whose data is
// dataSize bytes long and starts with the given prefix.
func (c *Client) GetProgramAccounts(ctx context.Context, programID PublicKey,
	dataSize int, prefix []byte) ([]ProgramAccount, error) {
	var memcmp memcmpFilter
	memcmp.Memcmp.Offset = 0
	memcmp.Memcmp.Bytes = base58.Encode(prefix)
	params := []interface{}{
		programID.String(),
		map[string]interface{}{
			"encoding":   "base64",
			"commitment": "confirmed",
			"filters":    []interface{}{dataSizeFilter{DataSize: dataSize}, memcmp},
		},
	}
	var raw []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data []string `json:"data"`
		} `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", params, &raw); err != nil {
		return nil, tracerr.Wrap(err)
	}
	accounts := make([]ProgramAccount, 0, len(raw))
	for _, entry := range raw {
		pubkey, err := PublicKeyFromBase58(entry.Pubkey)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if len(entry.Account.Data) < 1 {
			return nil, tracerr.Wrap(fmt.Errorf("account %v has no data", entry.Pubkey))
		}
		data, err := base64.StdEncoding.DecodeString(entry.Account.Data[0])
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		accounts = append(accounts, ProgramAccount{Pubkey: pubkey, Data: data})
	}
	return accounts, nil
}

// GetLatestBlockhash returns the most recent confirmed blockhash.
func (c *Client) GetLatestBlockhash(ctx context.Context) ([32]byte, error) {
	var blockhash [32]byte
	params := []interface{}{map[string]interface{}{"commitment": "confirmed"}}
	var raw struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", params, &raw); err != nil {
		return blockhash, tracerr.Wrap(err)
	}
	b, err := base58.Decode(raw.Value.Blockhash)
	if err != nil {
		return blockhash, tracerr.Wrap(err)
	}
	if len(b) != len(blockhash) {
		return blockhash, tracerr.Wrap(fmt.Errorf("invalid blockhash length %v", len(b)))
	}
	copy(blockhash[:], b)
	return blockhash, nil
}

// SendTransaction broadcasts a signed transaction and returns its
// signature.  It does not wait for confirmation.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(tx.Serialize())
	params := []interface{}{
		encoded,
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": "confirmed",
		},
	}
	var signature string
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", tracerr.Wrap(err)
	}
	return signature, nil
}

// ConfirmTransaction blocks until the given signature reaches confirmed
// commitment, the transaction fails on chain (ErrTxFailed), or the
// confirmation timeout elapses.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	for {
		params := []interface{}{
			[]string{signature},
			map[string]interface{}{"searchTransactionHistory": true},
		}
		var raw struct {
			Value []*struct {
				ConfirmationStatus string          `json:"confirmationStatus"`
				Err                json.RawMessage `json:"err"`
			} `json:"value"`
		}
		if err := c.call(ctx, "getSignatureStatuses", params, &raw); err != nil {
			log.Debugw("getSignatureStatuses", "sig", signature, "err", err)
		} else if len(raw.Value) == 1 && raw.Value[0] != nil {
			status := raw.Value[0]
			if status.Err != nil && string(status.Err) != "null" {
				return tracerr.Wrap(&ErrTxFailed{Signature: signature, TxErr: status.Err})
			}
			if status.ConfirmationStatus == "confirmed" ||
				status.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return tracerr.Wrap(fmt.Errorf("confirmation of %v timed out: %w",
				signature, ctx.Err()))
		case <-time.After(c.confirmPollInterval):
		}
	}
}
