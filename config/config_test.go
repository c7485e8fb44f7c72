package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[Solana]
ProgramID = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
AuctionStatePDA = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
EscrowTokenPDA = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
Treasury = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

[EVM]
EscrowAddress = "0x0000000000000000000000000000000000000001"

[Auction]
CycleDuration = "12h"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	// file values
	assert.Equal(t, 12*time.Hour, cfg.Auction.CycleDuration.Duration)
	assert.Equal(t, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", cfg.Solana.ProgramID)
	// defaults survive where the file is silent
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Address)
	assert.Equal(t, 30*time.Second, cfg.Auction.PollInterval.Duration)
	assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", cfg.Solana.USDCMint)
	assert.False(t, cfg.Sponsor.Enabled)
	assert.Equal(t, uint64(10_000_000), cfg.Sponsor.MaxSponsoredLamports)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, testConfig+"\n[API]\nReadTimeout = \"soon\"\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
