// Package dryRun simulates a transaction with eth_call before it is signed, so that calls
// which would revert are rejected without spending gas.
package dryRun

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

var (
	// ErrDryRunFailed is matched by every DryRunError
	ErrDryRunFailed = errors.New("dry run failed")
)

const unknownMethodName = "N/A-method-name"

// DryRunError reports a simulation that reverted or could not be executed.
type DryRunError struct {
	Method string
	Cause  error
}

func (e *DryRunError) Error() string {
	return fmt.Sprintf("dry run of %q failed: %v", e.Method, e.Cause)
}

func (e *DryRunError) Unwrap() error {
	return e.Cause
}

func (e *DryRunError) Is(target error) bool {
	return target == ErrDryRunFailed
}

// CallSite identifies which step of a transfer is being simulated.
type CallSite int

const (
	CallSiteGeneric CallSite = iota
	CallSiteApprove
	CallSiteTransfer
	CallSiteExit
)

func (c CallSite) String() string {
	switch c {
	case CallSiteApprove:
		return "approve"
	case CallSiteTransfer:
		return "transfer"
	case CallSiteExit:
		return "exit"
	default:
		return "generic"
	}
}

// OptOut lists the call sites whose simulation failures are logged instead of returned.
type OptOut struct {
	Approve  bool `yaml:"approve"`
	Transfer bool `yaml:"transfer"`
	Exit     bool `yaml:"exit"`
}

// Ignores reports whether failures at the call site are tolerated.
func (o OptOut) Ignores(site CallSite) bool {
	switch site {
	case CallSiteApprove:
		return o.Approve
	case CallSiteTransfer:
		return o.Transfer
	case CallSiteExit:
		return o.Exit
	default:
		return false
	}
}

// Caller executes a message call without creating a transaction.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config controls the guard.
type Config struct {
	// Enabled turns simulation on; a disabled guard passes every call
	Enabled bool `yaml:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{Enabled: true}
}

// Call is the transaction to simulate.
type Call struct {
	To     common.Address
	Data   []byte
	Value  *big.Int
	Method string
	Site   CallSite
}

// MethodName returns the configured method name, the 4-byte selector, or a placeholder.
func (c *Call) MethodName() string {
	if c.Method != "" {
		return c.Method
	}
	if len(c.Data) >= 4 {
		return hexutil.Encode(c.Data[:4])
	}
	return unknownMethodName
}

// Guard runs simulations.
type Guard struct {
	config *Config
	logger *zap.Logger
}

func NewGuard(cfg *Config, l *zap.Logger) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Guard{config: cfg, logger: l}
}

// Preflight simulates the call as sent from `from` with the given gas price and limit.
//
// Parameters:
//   - ctx: Context for the node query
//   - caller: Chain client used for eth_call
//   - call: The call to simulate
//   - from: The sender the call is simulated from
//   - gasPrice: The gas price the transaction will be signed with
//   - gasLimit: The gas limit the transaction will be signed with
//   - optOut: Call sites whose failures are tolerated
//
// Returns:
//   - error: A *DryRunError if the simulation failed and the call site is not opted out
func (g *Guard) Preflight(ctx context.Context, caller Caller, call *Call, from common.Address, gasPrice *big.Int, gasLimit uint64, optOut OptOut) error {
	if !g.config.Enabled {
		return nil
	}
	_, err := caller.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       &call.To,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Value:    call.Value,
		Data:     call.Data,
	}, nil)
	if err == nil {
		return nil
	}
	method := call.MethodName()
	if optOut.Ignores(call.Site) {
		g.logger.Sugar().Warnw("ignoring dry run failure",
			zap.String("method", method),
			zap.String("callSite", call.Site.String()),
			zap.Error(err),
		)
		return nil
	}
	g.logger.Sugar().Errorw("dry run failed",
		zap.String("method", method),
		zap.String("callSite", call.Site.String()),
		zap.Error(err),
	)
	return &DryRunError{Method: method, Cause: err}
}
