package store

import (
	"sort"
	"sync"
	"time"

	"github.com/hermeznetwork/tracerr"
)

// Request is the off-chain metadata a bidder attaches to their on-chain
// bid.  It is advisory content only and never authorizes a payment; the
// chain's bid record is the sole authority for escrowed funds.
type Request struct {
	RequestText string    `json:"requestText"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RequestStore is a last-write-wins map from bidder address to request
// metadata, persisted as a single JSON document.  Safe for concurrent use:
// the HTTP API writes while the auction loop reads.
type RequestStore struct {
	mtx      sync.RWMutex
	path     string
	requests map[string]Request
}

// NewRequestStore loads (or initializes) the request map persisted at path.
// Pass path == "" for a memory-only store in tests.
func NewRequestStore(path string) (*RequestStore, error) {
	s := &RequestStore{
		path:     path,
		requests: make(map[string]Request),
	}
	if path != "" {
		if _, err := readFile(path, &s.requests); err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	return s, nil
}

// Save stores the request text for a bidder, overwriting any previous text.
// An empty imageURL preserves a previously uploaded reference image.
func (s *RequestStore) Save(bidder, requestText, imageURL string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	req := Request{
		RequestText: requestText,
		ImageURL:    imageURL,
		UpdatedAt:   time.Now().UTC(),
	}
	if imageURL == "" {
		if prev, ok := s.requests[bidder]; ok {
			req.ImageURL = prev.ImageURL
		}
	}
	s.requests[bidder] = req
	return s.flush()
}

// Get returns the request saved for a bidder, if any.
func (s *RequestStore) Get(bidder string) (Request, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	req, ok := s.requests[bidder]
	return req, ok
}

// KnownBidders returns every bidder address with a saved request, sorted.
// This is the candidate list handed to escrow clients that cannot
// enumerate bids on-chain.
func (s *RequestStore) KnownBidders() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	bidders := make([]string, 0, len(s.requests))
	for bidder := range s.requests {
		bidders = append(bidders, bidder)
	}
	sort.Strings(bidders)
	return bidders
}

func (s *RequestStore) flush() error {
	if s.path == "" {
		return nil
	}
	return writeFileAtomic(s.path, s.requests)
}
