// Package api serves HTTP requests to allow external interaction with the
// auction node: auction state and bids, off-chain request metadata, and
// the gas sponsorship relay.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkwell-agent/auction-node/auction"
	"github.com/inkwell-agent/auction-node/relay"
	"github.com/inkwell-agent/auction-node/store"
)

// SponsorInfo is the static information clients need to assemble
// relay-sponsored transactions.
type SponsorInfo struct {
	FeePayerAddress string `json:"feePayerAddress"`
	ProgramID       string `json:"programId"`
	USDCMint        string `json:"usdcMint"`
	AuctionStatePDA string `json:"auctionStatePda"`
}

// API serves the auction node HTTP endpoints.
type API struct {
	coord       *auction.Coordinator
	requests    *store.RequestStore
	relay       *relay.Relay
	sponsorInfo SponsorInfo
	version     string
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't
// start the server.  relay may be nil when sponsorship is disabled, in
// which case the sponsor endpoints are not registered.
func NewAPI(server *gin.Engine, coord *auction.Coordinator,
	requests *store.RequestStore, sponsorRelay *relay.Relay,
	sponsorInfo SponsorInfo, version string) *API {
	a := &API{
		coord:       coord,
		requests:    requests,
		relay:       sponsorRelay,
		sponsorInfo: sponsorInfo,
		version:     version,
	}

	v := server.Group("/api")
	v.GET("/auction/state", a.getAuctionState)
	v.GET("/auction/bids", a.getAuctionBids)
	v.POST("/auction/request", a.postAuctionRequest)
	v.GET("/auction/request/:bidder", a.getAuctionRequest)
	if sponsorRelay != nil {
		v.GET("/sponsor/info", a.getSponsorInfo)
		v.POST("/sponsor", a.postSponsor)
	}

	server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	server.GET("/health", gin.WrapH(a.healthRoute()))
	return a
}
