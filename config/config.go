package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAllocation funds an address in an asset ledger at boot.
type GenesisAllocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// AssetConfig declares one fungible asset ledger served by the node.
type AssetConfig struct {
	Symbol    string              `toml:"Symbol"`
	Allowlist []string            `toml:"Allowlist"`
	Genesis   []GenesisAllocation `toml:"Genesis,omitempty"`
}

type Config struct {
	RPCAddress  string        `toml:"RPCAddress"`
	DataDir     string        `toml:"DataDir"`
	NetworkName string        `toml:"NetworkName"`
	Env         string        `toml:"Env"`
	Custody     string        `toml:"Custody"`
	Assets      []AssetConfig `toml:"Assets"`
}

// Load loads the configuration from the given path, writing defaults when the
// file does not exist yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./dvp-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "dvp-local"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Custody) == "" {
		return fmt.Errorf("config: Custody address is required")
	}
	if len(cfg.Assets) == 0 {
		return fmt.Errorf("config: at least one asset must be declared")
	}
	seen := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("config: asset with empty symbol")
		}
		if _, ok := seen[symbol]; ok {
			return fmt.Errorf("config: duplicate asset %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
