// Package config loads the engine's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/chainManager"
	"github.com/Layr-Labs/bridge-txengine/pkg/gasCustomizer"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/Layr-Labs/bridge-txengine/pkg/submitter"
	"github.com/Layr-Labs/bridge-txengine/pkg/util"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoChains       = errors.New("at least one chain must be configured")
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownChain   = errors.New("unknown chain")
)

// AccountConfig is an account entry. The credential fields are those of account.Config; TLS
// material and key secrets are referenced by path and name.
type AccountConfig struct {
	account.Config `yaml:",inline"`

	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`
	TLSCAFile   string `yaml:"tlsCaFile"`
	// SecretName names an AWS Secrets Manager secret holding the private key
	SecretName   string `yaml:"secretName"`
	SecretRegion string `yaml:"secretRegion"`
}

// Resolve loads the account's TLS material and returns the flat account config.
func (a *AccountConfig) Resolve() (*account.Config, error) {
	tls, err := rpcClient.LoadTLSMaterial(a.TLSCertFile, a.TLSKeyFile, a.TLSCAFile)
	if err != nil {
		return nil, err
	}
	cfg := a.Config
	cfg.TLS = tls
	return &cfg, nil
}

// Config is the root of the configuration file.
type Config struct {
	Chains      []*chainManager.ChainConfig      `yaml:"chains"`
	Accounts    map[string]*AccountConfig        `yaml:"accounts"`
	GasProfiles map[string]*gasCustomizer.Config `yaml:"gasProfiles"`
	Submitter   *submitter.Config                `yaml:"submitter"`
	// MetricsAddress is the listen address of the metrics server, empty to disable it
	MetricsAddress string `yaml:"metricsAddress"`
}

// Default returns a configuration with no chains or accounts and the standard submitter budgets.
func Default() *Config {
	return &Config{
		Accounts: map[string]*AccountConfig{},
		GasProfiles: map[string]*gasCustomizer.Config{
			"deposit":  gasCustomizer.DepositProfile(),
			"withdraw": gasCustomizer.WithdrawProfile(),
		},
		Submitter: submitter.DefaultConfig(),
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a configuration. Fields absent from the document keep their defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Submitter == nil {
		cfg.Submitter = submitter.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks chains for unique ids and names and well-formed endpoints.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	ids := make(map[uint64]struct{}, len(c.Chains))
	names := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain == nil {
			return fmt.Errorf("chain %d is empty", i)
		}
		if _, ok := ids[chain.ChainID]; ok {
			return fmt.Errorf("duplicate chain id %d", chain.ChainID)
		}
		ids[chain.ChainID] = struct{}{}
		if chain.ChainName != "" {
			if _, ok := names[chain.ChainName]; ok {
				return fmt.Errorf("duplicate chain name %s", chain.ChainName)
			}
			names[chain.ChainName] = struct{}{}
		}
		if _, err := rpcClient.ParseURL(chain.RPCUrl); err != nil {
			return fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}
	}
	for name, profile := range c.GasProfiles {
		if profile == nil {
			return fmt.Errorf("gas profile %s is empty", name)
		}
		if profile.PriceMultiplier != nil && *profile.PriceMultiplier < 0 {
			return fmt.Errorf("gas profile %s: negative price multiplier", name)
		}
	}
	return nil
}

// Chain returns the chain whose id or name is ref.
func (c *Config) Chain(ref string) (*chainManager.ChainConfig, error) {
	id, idErr := strconv.ParseUint(ref, 10, 64)
	chain := util.Find(c.Chains, func(ch *chainManager.ChainConfig) bool {
		if idErr == nil && ch.ChainID == id {
			return true
		}
		return ch.ChainName == ref
	})
	if chain == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, ref)
	}
	return chain, nil
}

// Account returns the named account entry.
func (c *Config) Account(name string) (*AccountConfig, error) {
	a, ok := c.Accounts[name]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return a, nil
}

// GasProfile returns the named profile, or the profile for the direction when no such profile is configured.
func (c *Config) GasProfile(name string, d gasCustomizer.Direction) *gasCustomizer.Config {
	if p, ok := c.GasProfiles[name]; ok && p != nil {
		return p
	}
	return gasCustomizer.ProfileFor(d)
}
