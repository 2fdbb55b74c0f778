// Package chainManager provides blockchain connection management for bridge operations.
// This package manages connections to the chains a bridge spans (for example a main net
// and one or more side chains), addressable by chain ID or by name, and a retrying
// read-only view over each connection.
package chainManager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrChainNotFound is returned when a requested chain ID or name is not found in the manager
	ErrChainNotFound = errors.New("chain not found")
)

// IChainManager defines the interface for managing blockchain connections.
type IChainManager interface {
	// AddChain adds a new blockchain connection to the manager
	AddChain(cfg *ChainConfig) error
	// GetChainForId retrieves a chain connection by its chain ID
	GetChainForId(chainId uint64) (*Chain, error)
	// GetChainForName retrieves a chain connection by its configured name
	GetChainForName(name string) (*Chain, error)
}

// ChainConfig holds the configuration for connecting to a blockchain.
// A config is treated as immutable once it has been added to a manager.
type ChainConfig struct {
	// ChainID is the unique identifier for the blockchain network
	ChainID uint64 `yaml:"chainId"`
	// ChainName is the bridge-level name of the chain, e.g. "Mainnet" or a side chain name
	ChainName string `yaml:"name"`
	// RPCUrl is the URL endpoint for connecting to the blockchain RPC
	RPCUrl string `yaml:"rpcUrl"`
}

// Chain represents an active connection to a blockchain.
// It contains both the configuration and the active RPC client connection.
type Chain struct {
	config *ChainConfig
	// RPCClient is the active client connection for this chain
	RPCClient EthClientInterface
}

// NewChain wraps an existing client connection.
func NewChain(cfg *ChainConfig, client EthClientInterface) *Chain {
	return &Chain{config: cfg, RPCClient: client}
}

// Config returns the configuration the chain was created from.
func (c *Chain) Config() *ChainConfig {
	return c.config
}

// ChainManager implements IChainManager and manages multiple blockchain connections.
// It maintains a registry of active Chains indexed by their chain IDs.
// This implementation is thread-safe using sync.Map for concurrent access.
type ChainManager struct {
	Chains sync.Map // map[uint64]*Chain
}

// NewChainManager creates a new ChainManager instance.
// The manager is initialized with an empty chain registry.
//
// Returns:
//   - *ChainManager: A new chain manager instance
func NewChainManager() *ChainManager {
	return &ChainManager{}
}

// AddChain adds a new blockchain connection to the manager.
// The RPC URL is validated before dialing; a malformed URL fails with
// rpcClient.ErrInvalidEndpoint without any network activity.
//
// Parameters:
//   - cfg: The chain configuration containing chain ID, name and RPC URL
//
// Returns:
//   - error: An error if the chain already exists, the URL is invalid or connection fails
func (cm *ChainManager) AddChain(cfg *ChainConfig) error {
	u, err := rpcClient.ParseURL(cfg.RPCUrl)
	if err != nil {
		return fmt.Errorf("chain %d: %w", cfg.ChainID, err)
	}
	if _, exists := cm.Chains.Load(cfg.ChainID); exists {
		return fmt.Errorf("chain with ID %d already exists", cfg.ChainID)
	}
	client, err := ethclient.Dial(u.String())
	if err != nil {
		return fmt.Errorf("failed to connect to RPC URL %s: %w", u.Redacted(), err)
	}
	return cm.AddChainWithClient(cfg, client)
}

// AddChainWithClient registers a chain backed by an already constructed client.
func (cm *ChainManager) AddChainWithClient(cfg *ChainConfig, client EthClientInterface) error {
	if _, loaded := cm.Chains.LoadOrStore(cfg.ChainID, NewChain(cfg, client)); loaded {
		return fmt.Errorf("chain with ID %d already exists", cfg.ChainID)
	}
	return nil
}

// GetChainForId retrieves a chain connection by its chain ID.
// This method is thread-safe and can be called concurrently.
//
// Parameters:
//   - chainId: The chain ID to look up
//
// Returns:
//   - *Chain: The chain connection if found
//   - error: ErrChainNotFound if the chain ID is not registered
func (cm *ChainManager) GetChainForId(chainId uint64) (*Chain, error) {
	value, exists := cm.Chains.Load(chainId)
	if !exists {
		return nil, ErrChainNotFound
	}
	chain, ok := value.(*Chain)
	if !ok {
		return nil, fmt.Errorf("invalid chain type stored for ID %d", chainId)
	}
	return chain, nil
}

// GetChainForName retrieves a chain connection by the name it was configured with.
func (cm *ChainManager) GetChainForName(name string) (*Chain, error) {
	var found *Chain
	cm.Chains.Range(func(_, value any) bool {
		chain, ok := value.(*Chain)
		if ok && chain.config.ChainName == name {
			found = chain
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, name)
	}
	return found, nil
}
