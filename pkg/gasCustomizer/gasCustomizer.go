// Package gasCustomizer computes the gas price and gas limit of bridge transactions.
// Prices are floored at 1 gwei and, for profiles with a price multiplier, inflated and
// capped; limits are the node's estimate times a multiplier with a recommended fallback.
package gasCustomizer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"
)

var (
	// MinGasPrice is the floor applied to every suggested price (1 gwei)
	MinGasPrice = big.NewInt(1_000_000_000)
	// DefaultMaxGasPrice caps multiplied prices (200 gwei)
	DefaultMaxGasPrice = big.NewInt(200_000_000_000)
)

const (
	DefaultLimitMultiplier = 1.25

	// RecommendedDepositGas is the fallback limit for main net deposits
	RecommendedDepositGas uint64 = 3_000_000
	// RecommendedExitGas is the fallback limit for side chain exits
	RecommendedExitGas uint64 = 6_000_000
	// RecommendedTokenGas is the fallback limit for token approve/deposit/exit calls
	RecommendedTokenGas uint64 = 8_000_000
)

// Direction is the way a transfer crosses the bridge.
type Direction int

const (
	// DirectionDeposit moves funds from the main net to a side chain
	DirectionDeposit Direction = iota
	// DirectionWithdraw moves funds from a side chain back to the main net
	DirectionWithdraw
)

// GasClient is the subset of a chain client needed to price a transaction.
type GasClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Config is a gas profile.
type Config struct {
	// PriceMultiplier inflates the suggested price; nil uses the suggested price as is
	PriceMultiplier *float64 `yaml:"priceMultiplier"`
	// LimitMultiplier inflates the estimated gas, non-positive values mean DefaultLimitMultiplier
	LimitMultiplier float64 `yaml:"limitMultiplier"`
}

func multiplier(v float64) *float64 {
	return &v
}

// DepositProfile inflates both price and limit by 1.25.
func DepositProfile() *Config {
	return &Config{PriceMultiplier: multiplier(1.25), LimitMultiplier: 1.25}
}

// WithdrawProfile uses the suggested price and inflates the limit by 1.25.
func WithdrawProfile() *Config {
	return &Config{LimitMultiplier: 1.25}
}

// ProfileFor returns the default profile for a transfer direction.
func ProfileFor(d Direction) *Config {
	if d == DirectionWithdraw {
		return WithdrawProfile()
	}
	return DepositProfile()
}

// GasCustomizer applies a gas profile.
type GasCustomizer struct {
	config *Config
	logger *zap.Logger
}

// NewGasCustomizer creates a customizer for the profile. A nil profile behaves like WithdrawProfile.
func NewGasCustomizer(cfg *Config, l *zap.Logger) *GasCustomizer {
	if cfg == nil {
		cfg = WithdrawProfile()
	}
	return &GasCustomizer{config: cfg, logger: l}
}

func (g *GasCustomizer) limitMultiplier() float64 {
	if g.config.LimitMultiplier <= 0 {
		return DefaultLimitMultiplier
	}
	return g.config.LimitMultiplier
}

// GasPrice returns the price to sign with.
// A suggestion at or below 1 gwei yields exactly 1 gwei. Above the floor, a profile with a
// multiplier returns min(floor(suggested*multiplier), maxPrice) when maxPrice is set;
// otherwise the suggestion is returned unchanged.
//
// Parameters:
//   - ctx: Context for the node query
//   - client: Chain client used for the price suggestion
//   - maxPrice: Cap for multiplied prices, nil disables the multiplier
//
// Returns:
//   - *big.Int: The gas price in wei
//   - error: An error if the node cannot suggest a price
func (g *GasCustomizer) GasPrice(ctx context.Context, client GasClient, maxPrice *big.Int) (*big.Int, error) {
	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if suggested == nil || suggested.Cmp(MinGasPrice) <= 0 {
		return new(big.Int).Set(MinGasPrice), nil
	}
	m := g.config.PriceMultiplier
	if m == nil || *m < 0 || maxPrice == nil {
		return new(big.Int).Set(suggested), nil
	}
	price := mulFloor(suggested, *m)
	if price.Cmp(maxPrice) > 0 {
		price = new(big.Int).Set(maxPrice)
	}
	g.logger.Sugar().Debugw("computed gas price",
		zap.String("suggested", suggested.String()),
		zap.Float64("multiplier", *m),
		zap.String("price", price.String()),
	)
	return price, nil
}

// GasLimit returns floor(estimate * multiplier), or fallback when the estimate fails or is zero.
//
// Parameters:
//   - ctx: Context for the node query
//   - client: Chain client used for estimation
//   - call: The call to estimate, with From and GasPrice set
//   - fallback: The recommended limit used when estimation yields nothing
//
// Returns:
//   - uint64: The gas limit
func (g *GasCustomizer) GasLimit(ctx context.Context, client GasClient, call ethereum.CallMsg, fallback uint64) uint64 {
	estimate, err := client.EstimateGas(ctx, call)
	if err != nil {
		g.logger.Sugar().Debugw("gas estimation failed, using recommended gas",
			zap.Error(err),
			zap.Uint64("recommendedGas", fallback),
		)
		estimate = 0
	}
	limit := mulFloor(new(big.Int).SetUint64(estimate), g.limitMultiplier())
	if limit.Sign() == 0 || !limit.IsUint64() {
		return fallback
	}
	return limit.Uint64()
}

func mulFloor(v *big.Int, m float64) *big.Int {
	product := new(big.Float).SetPrec(256).SetInt(v)
	product.Mul(product, new(big.Float).SetPrec(256).SetFloat64(m))
	out, _ := product.Int(nil)
	return out
}
