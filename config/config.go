package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
	"gopkg.in/go-playground/validator.v9"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return tracerr.Wrap(err)
	}
	d.Duration = duration
	return nil
}

// APIConfig specifies the configuration parameters of the API server.
type APIConfig struct {
	// Address where the API will listen
	Address string `validate:"required"`
	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout Duration `validate:"required"`
	// WriteTimeout is the maximum duration before timing out writes of
	// the response
	WriteTimeout Duration `validate:"required"`
}

// AuctionConfig is the settlement cycle configuration.
type AuctionConfig struct {
	// CycleDuration is the settlement cycle length
	CycleDuration Duration `validate:"required"`
	// PollInterval is the waiting interval between settlement checks of
	// the tick loop
	PollInterval Duration `validate:"required"`
	// MinimumBid is the on-chain minimum bid in display units, exposed
	// over the API
	MinimumBid string
}

// SolanaConfig addresses the Solana escrow deployment.
type SolanaConfig struct {
	// RPCURL is the URL of the Solana JSON-RPC node
	RPCURL string `validate:"required,url"`
	// ProgramID of the deployed escrow program
	ProgramID string `validate:"required"`
	// AuctionStatePDA is the program's state account, fixed at deployment
	AuctionStatePDA string `validate:"required"`
	// EscrowTokenPDA is the program's escrow token account
	EscrowTokenPDA string `validate:"required"`
	// Treasury is the agent treasury token account receiving settlements
	Treasury string `validate:"required"`
	// USDCMint is the settlement currency mint
	USDCMint string `validate:"required"`
	// AgentKeyPath is the path of the agent keypair file (solana-keygen
	// JSON format)
	AgentKeyPath string `validate:"required"`
	// ConfirmTimeout bounds the wait for settle confirmation
	ConfirmTimeout Duration `validate:"required"`
}

// EVMConfig addresses the EVM escrow deployment.
type EVMConfig struct {
	// Web3URL is the URL of the EVM-node RPC server
	Web3URL string `validate:"required,url"`
	// EscrowAddress of the escrow contract
	EscrowAddress ethCommon.Address `validate:"required"`
	// ReceiptTimeout bounds the wait for transaction receipts
	ReceiptTimeout Duration `validate:"required"`
	// Keystore is the ethereum keystore where the agent's private key is
	// kept
	Keystore struct {
		// Path to the keystore
		Path string `validate:"required"`
		// Password used to decrypt the keys in the keystore
		Password string `validate:"required"`
		// LightScrypt if set, uses light parameters for the keystore
		// encryption algorithm
		LightScrypt bool
	} `validate:"required"`
}

// OracleConfig addresses the content-decision oracle.
type OracleConfig struct {
	// URL of the agent's review endpoint
	URL string `validate:"required,url"`
	// APIKey authorizing review calls
	APIKey string
}

// SponsorConfig configures the gas sponsorship relay.
type SponsorConfig struct {
	// Enabled turns the sponsor endpoints on
	Enabled bool
	// KeyPath is the relay keypair file; when empty the agent keypair is
	// used
	KeyPath string
	// MaxSponsoredLamports caps native transfers funded by the relay key
	MaxSponsoredLamports uint64 `validate:"required"`
	// HourlyQuota is the sponsored submissions allowed per user per
	// rolling hour
	HourlyQuota int `validate:"required,gte=1"`
}

// RefundConfig configures the one-shot refund campaign.
type RefundConfig struct {
	// TokenAddress of the ERC20 settlement token
	TokenAddress ethCommon.Address
	// SourceAddress is the contract whose inbound transfers are refunded
	SourceAddress ethCommon.Address
	// FeeRouterAddress is the contract emitting fee-deduction events
	FeeRouterAddress ethCommon.Address
	// DisperseAddress is the third-party batch-payment contract
	DisperseAddress ethCommon.Address
	// StartBlock and EndBlock bound discovery; EndBlock 0 means the
	// current block
	StartBlock int64
	EndBlock   int64
	// ChunkSize is the initial log-fetch block range
	ChunkSize int64
	// DisperseGasLimit is the gas limit for one disperse transaction
	DisperseGasLimit uint64
}

// StoreConfig locates the persisted JSON state files.
type StoreConfig struct {
	// Dir is the directory holding the state files
	Dir string `validate:"required"`
}

// LogConf specifies the log configuration parameters
type LogConf struct {
	Level string
	Out   []string
}

// Node is the auction node configuration.
type Node struct {
	API     APIConfig     `validate:"required"`
	Auction AuctionConfig `validate:"required"`
	Solana  SolanaConfig  `validate:"required"`
	EVM     EVMConfig     `validate:"required"`
	Oracle  OracleConfig  `validate:"required"`
	Sponsor SponsorConfig `validate:"required"`
	Refund  RefundConfig  `validate:"-"`
	Store   StoreConfig   `validate:"required"`
	Log     LogConf       `validate:"-"`
	Debug   struct {
		// GinDebugMode sets Gin-Gonic to run in debug mode
		GinDebugMode bool
	}
}

// Load loads the Node configuration from path, layered over the defaults.
func Load(path string) (*Node, error) {
	var cfg Node
	if _, err := toml.Decode(DefaultValues, &cfg); err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("error decoding default config: %w", err))
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, tracerr.Wrap(fmt.Errorf("error decoding config file %v: %w", path, err))
		}
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, tracerr.Wrap(fmt.Errorf("error validating configuration: %w", err))
	}
	return &cfg, nil
}
