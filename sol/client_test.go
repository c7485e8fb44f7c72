package sol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hermeznetwork/tracerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRPCServer(t *testing.T, handler func(method string, params []interface{}) (string, error)) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		result, err := handler(req.Method, req.Params)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":%v,"message":%q}}`,
					rpcErr.Code, rpcErr.Message)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL, &ClientConfig{
		ConfirmTimeout:      2 * time.Second,
		ConfirmPollInterval: 10 * time.Millisecond,
	})
}

func TestGetProgramAccounts(t *testing.T) {
	owner := newTestKeypair(t).PublicKey()
	data := encodeBidAccount(newTestKeypair(t).PublicKey(), 5_000_000, 10, 20, true)
	client := newRPCServer(t, func(method string, params []interface{}) (string, error) {
		require.Equal(t, "getProgramAccounts", method)
		entry := map[string]interface{}{
			"pubkey": owner.String(),
			"account": map[string]interface{}{
				"data": []string{base64.StdEncoding.EncodeToString(data), "base64"},
			},
		}
		out, err := json.Marshal([]interface{}{entry})
		require.NoError(t, err)
		return string(out), nil
	})

	accounts, err := client.GetProgramAccounts(context.Background(),
		newTestKeypair(t).PublicKey(), bidAccountSize, bidAccountDiscriminator)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, owner, accounts[0].Pubkey)
	assert.Equal(t, data, accounts[0].Data)
}

func TestSendTransactionRPCError(t *testing.T) {
	client := newRPCServer(t, func(method string, params []interface{}) (string, error) {
		return "", &RPCError{Code: -32002, Message: "Transaction simulation failed"}
	})
	kp := newTestKeypair(t)
	tx, err := NewTransaction(kp.PublicKey(), [32]byte{}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(kp))

	_, err = client.SendTransaction(context.Background(), tx)
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(tracerr.Unwrap(err), &rpcErr))
	assert.Equal(t, -32002, rpcErr.Code)
}

func TestConfirmTransaction(t *testing.T) {
	calls := 0
	client := newRPCServer(t, func(method string, params []interface{}) (string, error) {
		require.Equal(t, "getSignatureStatuses", method)
		calls++
		if calls < 3 {
			return `{"value":[null]}`, nil
		}
		return `{"value":[{"confirmationStatus":"confirmed","err":null}]}`, nil
	})
	require.NoError(t, client.ConfirmTransaction(context.Background(), "sig"))
	assert.Equal(t, 3, calls)
}

func TestConfirmTransactionChainFailure(t *testing.T) {
	client := newRPCServer(t, func(method string, params []interface{}) (string, error) {
		return `{"value":[{"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}`, nil
	})
	err := client.ConfirmTransaction(context.Background(), "sig")
	require.Error(t, err)
	var txErr *ErrTxFailed
	assert.True(t, errors.As(tracerr.Unwrap(err), &txErr))
}
