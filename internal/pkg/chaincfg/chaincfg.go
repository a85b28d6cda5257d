package chaincfg

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/subflowhq/subflow/internal/pkg/env"
)

// ChainConfig describes one indexed chain: where to read logs from, how far
// behind the head is considered final, and where indexing starts on first run.
type ChainConfig struct {
	Name          string `validate:"required"`
	ChainID       uint64 `validate:"required"`
	RPCURL        string `validate:"required,url"`
	Contract      string `validate:"required,startswith=0x,len=42"`
	GenesisBlock  uint64 `validate:"required"`
	Confirmations uint64 `validate:"required"`
	BatchSize     uint64 `validate:"required,min=1,max=10000"`
	// BackfillFrom forces the next indexer run to re-read from this block
	// instead of checkpoint+1. Zero means no backfill.
	BackfillFrom uint64
}

var validate = validator.New()

// Load reads all chain configurations from the environment. CHAINS holds a
// comma-separated list of chain names; each chain is configured through
// CHAIN_<NAME>_* keys.
func Load() ([]ChainConfig, error) {
	raw := env.GetEnv("CHAINS", "")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("CHAINS is not configured")
	}

	var configs []ChainConfig
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		cfg, err := loadChain(name)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("CHAINS contained no usable entries")
	}
	return configs, nil
}

func loadChain(name string) (ChainConfig, error) {
	prefix := "CHAIN_" + strings.ToUpper(name) + "_"
	cfg := ChainConfig{
		Name:          name,
		ChainID:       env.GetEnvUint64(prefix+"CHAIN_ID", 0),
		RPCURL:        env.GetEnv(prefix+"RPC_URL", ""),
		Contract:      strings.ToLower(env.GetEnv(prefix+"CONTRACT", "")),
		GenesisBlock:  env.GetEnvUint64(prefix+"GENESIS_BLOCK", 0),
		Confirmations: env.GetEnvUint64(prefix+"CONFIRMATIONS", 12),
		BatchSize:     env.GetEnvUint64(prefix+"BATCH_SIZE", 2000),
		BackfillFrom:  env.GetEnvUint64(prefix+"BACKFILL_FROM", 0),
	}
	if err := validate.Struct(cfg); err != nil {
		return ChainConfig{}, fmt.Errorf("chain %s misconfigured: %w", name, err)
	}
	return cfg, nil
}

// MerchantAllowlist reads the optional merchant address filter. An empty
// result means no filtering: the relayer serves every merchant on the
// contract.
func MerchantAllowlist() []string {
	raw := env.GetEnv("MERCHANT_ALLOWLIST", "")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var merchants []string
	for _, m := range strings.Split(raw, ",") {
		m = strings.TrimSpace(strings.ToLower(m))
		if m != "" {
			merchants = append(merchants, m)
		}
	}
	return merchants
}
