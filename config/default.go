package config

// DefaultValues is the default fallbacks for the auction node
// configuration, if there is no specific value in the TOML config file.
const DefaultValues = `
[API]
Address = "0.0.0.0:8080"
ReadTimeout = "30s"
WriteTimeout = "30s"

[Auction]
CycleDuration = "24h"
PollInterval = "30s"
MinimumBid = "1"

[Solana]
RPCURL = "https://api.mainnet-beta.solana.com"
ProgramID = ""
AuctionStatePDA = ""
EscrowTokenPDA = ""
Treasury = ""
USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
AgentKeyPath = "/var/lib/auction-node/agent.json"
ConfirmTimeout = "60s"

[EVM]
Web3URL = "http://localhost:8545"
EscrowAddress = "0x0000000000000000000000000000000000000000"
ReceiptTimeout = "60s"

[EVM.Keystore]
Path = "/var/lib/auction-node/keystore"
Password = "yourpasswordhere"
LightScrypt = false

[Oracle]
URL = "http://localhost:3000"
APIKey = ""

[Sponsor]
Enabled = false
KeyPath = ""
MaxSponsoredLamports = 10000000
HourlyQuota = 10

[Refund]
StartBlock = 0
EndBlock = 0
ChunkSize = 10000
DisperseGasLimit = 4000000

[Store]
Dir = "/var/lib/auction-node"

[Log]
Level = "info"
Out = ["stdout"]

[Debug]
GinDebugMode = false
`
