package oracle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inkwell-agent/auction-node/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceReviewRequest(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agent/review-bid", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"approved":false,"reason":"off-policy"}`)) //nolint:errcheck
	}))
	defer server.Close()

	svc, err := NewService(server.URL, "secret")
	require.NoError(t, err)
	bid := &common.Bid{
		Chain:       common.ChainSolana,
		Bidder:      "bidder1",
		AmountRaw:   big.NewInt(12_500_000),
		Decimals:    6,
		RequestText: "draw a gopher",
	}
	decision, err := svc.ReviewRequest(context.Background(), bid)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, "off-policy", decision.Reason)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "12.5", gotBody["amountUsdc"])
	assert.Equal(t, "draw a gopher", gotBody["requestText"])
}

func TestServiceReviewRequestHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc, err := NewService(server.URL, "")
	require.NoError(t, err)
	_, err = svc.ReviewRequest(context.Background(), &common.Bid{
		AmountRaw: big.NewInt(1), Decimals: 6,
	})
	assert.Error(t, err, "a non-200 review is an oracle failure, never an approval")
}

func TestMockClientDefaultApproves(t *testing.T) {
	decision, err := (&MockClient{}).ReviewRequest(context.Background(), &common.Bid{})
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}
