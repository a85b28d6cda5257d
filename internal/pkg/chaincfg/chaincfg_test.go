package chaincfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setChainEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAINS", "base-sepolia")
	t.Setenv("CHAIN_BASE-SEPOLIA_CHAIN_ID", "84532")
	t.Setenv("CHAIN_BASE-SEPOLIA_RPC_URL", "https://sepolia.base.org")
	t.Setenv("CHAIN_BASE-SEPOLIA_CONTRACT", "0xAbCd000000000000000000000000000000000001")
	t.Setenv("CHAIN_BASE-SEPOLIA_GENESIS_BLOCK", "100")
}

func TestLoadSingleChain(t *testing.T) {
	setChainEnv(t)

	chains, err := Load()
	require.NoError(t, err)
	require.Len(t, chains, 1)

	cfg := chains[0]
	assert.Equal(t, "base-sepolia", cfg.Name)
	assert.Equal(t, uint64(84532), cfg.ChainID)
	assert.Equal(t, "https://sepolia.base.org", cfg.RPCURL)
	// Addresses are normalized to lowercase.
	assert.Equal(t, "0xabcd000000000000000000000000000000000001", cfg.Contract)
	assert.Equal(t, uint64(100), cfg.GenesisBlock)
	assert.Equal(t, uint64(12), cfg.Confirmations)
	assert.Equal(t, uint64(2000), cfg.BatchSize)
	assert.Zero(t, cfg.BackfillFrom)
}

func TestLoadRequiresChains(t *testing.T) {
	t.Setenv("CHAINS", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CHAINS", " , ")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadRejectsMisconfiguredChain(t *testing.T) {
	setChainEnv(t)
	t.Setenv("CHAIN_BASE-SEPOLIA_CONTRACT", "not-an-address")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base-sepolia")
}

func TestMerchantAllowlist(t *testing.T) {
	t.Setenv("MERCHANT_ALLOWLIST", "")
	assert.Nil(t, MerchantAllowlist())

	t.Setenv("MERCHANT_ALLOWLIST", "0xAAA1, 0xbbb2 ,")
	assert.Equal(t, []string{"0xaaa1", "0xbbb2"}, MerchantAllowlist())
}
