package api

import (
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/relay"
)

// maxRequestTextLen is the maximum accepted length of a bid's request
// text, counted in runes
const maxRequestTextLen = 500

type apiBid struct {
	Chain       common.Chain `json:"chain"`
	Bidder      string       `json:"bidder"`
	AmountUsdc  string       `json:"amountUsdc"`
	RequestText string       `json:"requestText"`
}

func newAPIBid(bid *common.Bid) *apiBid {
	return &apiBid{
		Chain:       bid.Chain,
		Bidder:      bid.Bidder,
		AmountUsdc:  bid.AmountDisplay(),
		RequestText: bid.RequestText,
	}
}

func (a *API) getAuctionState(c *gin.Context) {
	state := a.coord.State()
	bids := a.coord.FetchBids(c.Request.Context())

	var lastSettledAt *int64
	if state.LastSettledAt != nil {
		ts := state.LastSettledAt.Unix()
		lastSettledAt = &ts
	}
	var nextSettleAt *int64
	if next := state.NextSettleAt(a.coord.CycleDuration()); !next.IsZero() {
		ts := next.Unix()
		nextSettleAt = &ts
	}
	var topBid *apiBid
	if len(bids) > 0 {
		topBid = newAPIBid(&bids[0])
	}
	c.JSON(http.StatusOK, gin.H{
		"lastSettledAt": lastSettledAt,
		"settled":       !a.coord.ShouldSettle(),
		"nextSettleAt":  nextSettleAt,
		"bidCount":      len(bids),
		"topBid":        topBid,
		"minimumBid":    a.coord.MinimumBid(),
	})
}

func (a *API) getAuctionBids(c *gin.Context) {
	bids := a.coord.FetchBids(c.Request.Context())
	apiBids := make([]*apiBid, len(bids))
	for i := range bids {
		apiBids[i] = newAPIBid(&bids[i])
	}
	c.JSON(http.StatusOK, apiBids)
}

type postRequestBody struct {
	Bidder      string `json:"bidder"`
	RequestText string `json:"requestText"`
	ImageURL    string `json:"imageUrl"`
}

func (a *API) postAuctionRequest(c *gin.Context) {
	var body postRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		retBadReq(errors.New("invalid JSON body"), c)
		return
	}
	if body.Bidder == "" || body.RequestText == "" {
		retBadReq(errors.New("bidder and requestText are required"), c)
		return
	}
	if utf8.RuneCountInString(body.RequestText) > maxRequestTextLen {
		retBadReq(errors.New("requestText exceeds 500 characters"), c)
		return
	}
	if err := a.requests.Save(body.Bidder, body.RequestText, body.ImageURL); err != nil {
		retInternalErr(err, c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) getAuctionRequest(c *gin.Context) {
	bidder := c.Param("bidder")
	req, ok := a.requests.Get(bidder)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"requestText": nil, "imageUrl": nil})
		return
	}
	var imageURL interface{}
	if req.ImageURL != "" {
		imageURL = req.ImageURL
	}
	c.JSON(http.StatusOK, gin.H{"requestText": req.RequestText, "imageUrl": imageURL})
}

func (a *API) getSponsorInfo(c *gin.Context) {
	c.JSON(http.StatusOK, a.sponsorInfo)
}

type postSponsorBody struct {
	Transaction string `json:"transaction"`
}

func (a *API) postSponsor(c *gin.Context) {
	var body postSponsorBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Transaction == "" {
		retBadReq(errors.New("transaction is required"), c)
		return
	}
	txSig, err := a.relay.Sponsor(c.Request.Context(), body.Transaction)
	if err != nil {
		retSponsorErr(err, c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"txSig": txSig})
}

// retSponsorErr maps relay policy errors to their HTTP statuses: 403 for
// theft-vector violations, 429 for quota, 400 for garbage.
func retSponsorErr(err error, c *gin.Context) {
	cause := tracerr.Unwrap(err)
	switch {
	case errors.Is(cause, relay.ErrInvalidFeePayer):
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid fee payer"})
	case errors.Is(cause, relay.ErrProgramNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "Program not allowed"})
	case errors.Is(cause, relay.ErrTransferCapExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "Transfer amount exceeds cap"})
	case errors.Is(cause, relay.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
	case errors.Is(cause, relay.ErrBadTransaction):
		retBadReq(errors.New("invalid transaction"), c)
	default:
		retInternalErr(err, c)
	}
}

func retBadReq(err error, c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func retInternalErr(err error, c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
