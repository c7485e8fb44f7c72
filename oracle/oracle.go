// Package oracle is the boundary to the agent's content-decision pipeline.
// The auction core only needs one operation from it: review a bid's request
// against content policy.
package oracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dghubble/sling"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	defaultRequestTimeout  = 60 * time.Second
)

// Decision is the oracle's verdict on a single bid.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Client is the interface to the content-decision oracle.
type Client interface {
	// Blocking.  Reviews one bid's request against content policy.
	ReviewRequest(ctx context.Context, bid *common.Bid) (*Decision, error)
}

type reviewRequest struct {
	Chain       string `json:"chain"`
	Bidder      string `json:"bidder"`
	AmountUsdc  string `json:"amountUsdc"`
	RequestText string `json:"requestText"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Service is an HTTP client to the agent's review endpoint.
type Service struct {
	client *sling.Sling
	apiKey string
}

// NewService creates the oracle HTTP client for the agent at baseURL.
func NewService(baseURL, apiKey string) (*Service, error) {
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr, Timeout: defaultRequestTimeout}
	return &Service{
		client: sling.New().Base(baseURL).Client(httpClient),
		apiKey: apiKey,
	}, nil
}

// ReviewRequest asks the agent to review one bid.
func (s *Service) ReviewRequest(ctx context.Context, bid *common.Bid) (*Decision, error) {
	body := reviewRequest{
		Chain:       string(bid.Chain),
		Bidder:      bid.Bidder,
		AmountUsdc:  bid.AmountDisplay(),
		RequestText: bid.RequestText,
		ImageURL:    bid.ReferenceImage,
	}
	var resBody Decision
	req, err := s.client.New().Post("/api/agent/review-bid").
		Set("Authorization", "Bearer "+s.apiKey).BodyJSON(&body).Request()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	res, err := s.client.Do(req.WithContext(ctx), &resBody, nil)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, tracerr.Wrap(fmt.Errorf("review http status %v", res.StatusCode))
	}
	return &resBody, nil
}

// MockClient is a mock oracle for tests.  Decide, if set, is called per
// bid; otherwise every bid is approved.
type MockClient struct {
	Decide func(bid *common.Bid) (*Decision, error)
}

// ReviewRequest applies the Decide hook.
func (m *MockClient) ReviewRequest(ctx context.Context, bid *common.Bid) (*Decision, error) {
	if m.Decide != nil {
		return m.Decide(bid)
	}
	return &Decision{Approved: true}, nil
}
