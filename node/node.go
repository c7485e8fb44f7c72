/*
Package node does the initialization of all the required objects to run
the auction node: both settlement chain clients, the stores, the
coordinator, the sponsorship relay and the HTTP API.
*/
package node

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/api"
	"github.com/inkwell-agent/auction-node/auction"
	"github.com/inkwell-agent/auction-node/common"
	"github.com/inkwell-agent/auction-node/config"
	"github.com/inkwell-agent/auction-node/eth"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/oracle"
	"github.com/inkwell-agent/auction-node/refund"
	"github.com/inkwell-agent/auction-node/relay"
	"github.com/inkwell-agent/auction-node/sol"
	"github.com/inkwell-agent/auction-node/store"
)

// Node is the top-level auction node object.
type Node struct {
	nodeAPI *NodeAPI
	coord   *auction.Coordinator
	cfg     *config.Node
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewNode creates a Node from the configuration.
func NewNode(version string, cfg *config.Node) (*Node, error) {
	requests, err := store.NewRequestStore(filepath.Join(cfg.Store.Dir, "requests.json"))
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	cycles := store.NewFileCycleStore(filepath.Join(cfg.Store.Dir, "cycle.json"))

	solClient := sol.NewClient(cfg.Solana.RPCURL, &sol.ClientConfig{
		ConfirmTimeout: cfg.Solana.ConfirmTimeout.Duration,
	})
	agentKey, err := sol.LoadKeypair(cfg.Solana.AgentKeyPath)
	if err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("error loading agent keypair: %w", err))
	}
	escrowCfg, err := solanaEscrowConfig(&cfg.Solana)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	solEscrow := sol.NewEscrowClient(solClient, *escrowCfg, agentKey)

	ethClient, err := newEthereumClient(&cfg.EVM)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	evmEscrow, err := eth.NewEscrowClient(ethClient, cfg.EVM.EscrowAddress)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	oracleClient, err := oracle.NewService(cfg.Oracle.URL, cfg.Oracle.APIKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	coord, err := auction.NewCoordinator(
		auction.Config{
			CycleDuration: cfg.Auction.CycleDuration.Duration,
			MinimumBid:    cfg.Auction.MinimumBid,
		},
		[]common.EscrowClient{solEscrow, evmEscrow},
		requests, cycles,
		auction.NewReviewer(oracleClient),
		nil,
	)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	var sponsorRelay *relay.Relay
	if cfg.Sponsor.Enabled {
		relayKey := agentKey
		if cfg.Sponsor.KeyPath != "" {
			relayKey, err = sol.LoadKeypair(cfg.Sponsor.KeyPath)
			if err != nil {
				return nil, tracerr.Wrap(fmt.Errorf("error loading relay keypair: %w", err))
			}
		}
		sponsorRelay = relay.NewRelay(relay.Config{
			EscrowProgramID:      escrowCfg.ProgramID,
			MaxSponsoredLamports: cfg.Sponsor.MaxSponsoredLamports,
			HourlyQuota:          cfg.Sponsor.HourlyQuota,
		}, solClient, relayKey, nil)
	}

	var nodeAPI *NodeAPI
	if cfg.API.Address != "" {
		if cfg.Debug.GinDebugMode {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		sponsorInfo := api.SponsorInfo{
			ProgramID:       cfg.Solana.ProgramID,
			USDCMint:        cfg.Solana.USDCMint,
			AuctionStatePDA: cfg.Solana.AuctionStatePDA,
		}
		if sponsorRelay != nil {
			sponsorInfo.FeePayerAddress = sponsorRelay.FeePayerAddress().String()
		}
		nodeAPI = NewNodeAPI(&cfg.API, coord, requests, sponsorRelay, sponsorInfo, version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		nodeAPI: nodeAPI,
		coord:   coord,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// newEthereumClient dials the EVM node and unlocks the agent account from
// the keystore.
func newEthereumClient(cfg *config.EVMConfig) (*eth.EthereumClient, error) {
	ethRPC, err := ethclient.Dial(cfg.Web3URL)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	scryptN := ethKeystore.StandardScryptN
	scryptP := ethKeystore.StandardScryptP
	if cfg.Keystore.LightScrypt {
		scryptN = ethKeystore.LightScryptN
		scryptP = ethKeystore.LightScryptP
	}
	keyStore := ethKeystore.NewKeyStore(cfg.Keystore.Path, scryptN, scryptP)
	accounts := keyStore.Accounts()
	if len(accounts) == 0 {
		return nil, tracerr.Wrap(fmt.Errorf("no accounts in keystore %v, "+
			"use the importkey command first", cfg.Keystore.Path))
	}
	account := accounts[0]
	if err := keyStore.Unlock(account, cfg.Keystore.Password); err != nil {
		return nil, tracerr.Wrap(err)
	}
	client, err := eth.NewEthereumClient(ethRPC, &account, keyStore, &eth.EthereumConfig{
		ReceiptTimeout: cfg.ReceiptTimeout.Duration,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return client, nil
}

// NewRefundCampaign builds the one-shot refund campaign from the
// configuration.  It shares the EVM client wiring with NewNode but none of
// the auction machinery.
func NewRefundCampaign(cfg *config.Node) (*refund.Campaign, error) {
	client, err := newEthereumClient(&cfg.EVM)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	token, err := eth.NewTokenClient(client, cfg.Refund.TokenAddress)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	fees := eth.NewFeeRouterClient(client, cfg.Refund.FeeRouterAddress)
	disperse, err := eth.NewDisperseClient(client, cfg.Refund.DisperseAddress)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	states := store.NewFileRefundStore(filepath.Join(cfg.Store.Dir, "refund.json"))
	campaign, err := refund.NewCampaign(refund.Config{
		SourceAddress:    cfg.Refund.SourceAddress,
		StartBlock:       cfg.Refund.StartBlock,
		EndBlock:         cfg.Refund.EndBlock,
		ChunkSize:        cfg.Refund.ChunkSize,
		DisperseGasLimit: cfg.Refund.DisperseGasLimit,
	}, client, token, fees, disperse, states)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return campaign, nil
}

func solanaEscrowConfig(cfg *config.SolanaConfig) (*sol.EscrowConfig, error) {
	out := &sol.EscrowConfig{}
	var err error
	parse := func(name, value string, dst *sol.PublicKey) {
		if err != nil {
			return
		}
		var pk sol.PublicKey
		if pk, err = sol.PublicKeyFromBase58(value); err != nil {
			err = fmt.Errorf("invalid Solana.%v %q: %w", name, value, err)
			return
		}
		*dst = pk
	}
	parse("ProgramID", cfg.ProgramID, &out.ProgramID)
	parse("AuctionStatePDA", cfg.AuctionStatePDA, &out.AuctionStatePDA)
	parse("EscrowTokenPDA", cfg.EscrowTokenPDA, &out.EscrowTokenPDA)
	parse("Treasury", cfg.Treasury, &out.Treasury)
	parse("USDCMint", cfg.USDCMint, &out.USDCMint)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return out, nil
}

// NodeAPI holds the node http API
type NodeAPI struct { //nolint:golint
	api    *api.API
	engine *gin.Engine
	cfg    *config.APIConfig
}

func handleNoRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": "404 page not found",
	})
}

// NewNodeAPI creates a new NodeAPI (which internally calls api.NewAPI)
func NewNodeAPI(cfg *config.APIConfig, coord *auction.Coordinator,
	requests *store.RequestStore, sponsorRelay *relay.Relay,
	sponsorInfo api.SponsorInfo, version string) *NodeAPI {
	engine := gin.Default()
	engine.NoRoute(handleNoRoute)
	engine.Use(cors.Default())
	_api := api.NewAPI(engine, coord, requests, sponsorRelay, sponsorInfo, version)
	return &NodeAPI{
		api:    _api,
		engine: engine,
		cfg:    cfg,
	}
}

// Run starts the http server of the NodeAPI.  To stop it, pass a context
// with cancelation.
func (a *NodeAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:           a.cfg.Address,
		Handler:        a.engine,
		ReadTimeout:    a.cfg.ReadTimeout.Duration,
		WriteTimeout:   a.cfg.WriteTimeout.Duration,
		MaxHeaderBytes: 1 << 20, //nolint:gomnd
	}
	go func() {
		log.Infof("NodeAPI is ready at %v", a.cfg.Address)
		if err := server.ListenAndServe(); err != nil && tracerr.Unwrap(err) != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping NodeAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd
	defer cancel()
	if err := server.Shutdown(ctxTimeout); err != nil {
		return tracerr.Wrap(err)
	}
	log.Info("NodeAPI done")
	return nil
}

// auctionLoopFn runs one tick of the settlement loop: it settles when the
// cycle is due and otherwise does nothing until the next poll.
func (n *Node) auctionLoopFn() time.Duration {
	if !n.coord.ShouldSettle() {
		return n.cfg.Auction.PollInterval.Duration
	}
	result, err := n.coord.SettleCycle(n.ctx)
	if err != nil {
		log.Errorw("Coordinator.SettleCycle", "err", err)
		return n.cfg.Auction.PollInterval.Duration
	}
	if result.Winner == nil {
		log.Infow("Settlement cycle complete without winner",
			"rejections", len(result.Rejections))
	}
	return n.cfg.Auction.PollInterval.Duration
}

// StartAuctionLoop starts the settlement tick loop
func (n *Node) StartAuctionLoop() {
	log.Info("Starting auction settlement loop...")
	n.wg.Add(1)
	go func() {
		waitDuration := time.Duration(0)
		for {
			select {
			case <-n.ctx.Done():
				log.Info("Auction settlement loop done")
				n.wg.Done()
				return
			case <-time.After(waitDuration):
				waitDuration = n.auctionLoopFn()
			}
		}
	}()
}

// StartNodeAPI starts the NodeAPI
func (n *Node) StartNodeAPI() {
	log.Info("Starting NodeAPI...")
	n.wg.Add(1)
	go func() {
		defer func() {
			log.Info("NodeAPI routine stopped")
			n.wg.Done()
		}()
		if err := n.nodeAPI.Run(n.ctx); err != nil {
			log.Fatalw("NodeAPI.Run", "err", err)
		}
	}()
}

// Start the node
func (n *Node) Start() {
	log.Info("Starting node...")
	if n.nodeAPI != nil {
		n.StartNodeAPI()
	}
	n.StartAuctionLoop()
}

// Stop the node
func (n *Node) Stop() {
	log.Info("Stopping node...")
	n.cancel()
	n.wg.Wait()
}
