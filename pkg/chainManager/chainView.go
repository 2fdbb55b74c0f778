package chainManager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/bridge-txengine/pkg/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrChainQueryExhausted is matched by every QueryExhaustedError
	ErrChainQueryExhausted = errors.New("chain query exhausted")
)

const (
	DefaultFastRetryDelay = time.Second
	DefaultSlowRetryDelay = 10 * time.Second
)

// QueryExhaustedError reports a chain read that failed on every attempt.
type QueryExhaustedError struct {
	Query    string
	Attempts int
	// Err aggregates the per-attempt failures
	Err error
}

func (e *QueryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Query, e.Attempts, e.Err)
}

func (e *QueryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *QueryExhaustedError) Is(target error) bool {
	return target == ErrChainQueryExhausted
}

// ChainViewConfig controls retry pacing and rate limiting of chain reads.
type ChainViewConfig struct {
	// FastRetryDelay separates attempts of receipt and event queries
	FastRetryDelay time.Duration `yaml:"fastRetryDelay"`
	// SlowRetryDelay separates attempts of block number, nonce and balance queries
	SlowRetryDelay time.Duration `yaml:"slowRetryDelay"`
	// RequestsPerSecond limits reads against the endpoint, 0 disables limiting
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	// Burst is the limiter bucket size, defaults to 1
	Burst int `yaml:"burst"`
}

// DefaultChainViewConfig returns the standard retry pacing without rate limiting.
func DefaultChainViewConfig() *ChainViewConfig {
	return &ChainViewConfig{
		FastRetryDelay: DefaultFastRetryDelay,
		SlowRetryDelay: DefaultSlowRetryDelay,
	}
}

// ChainView wraps a chain client with bounded retries. Each query takes an attempt count;
// a query that fails on every attempt returns a QueryExhaustedError.
type ChainView struct {
	client  EthClientInterface
	config  *ChainViewConfig
	limiter *rate.Limiter
	logger  *zap.Logger
	name    string
	metrics metrics.Metricer
}

// NewChainView creates a view over the client.
//
// Parameters:
//   - client: The chain client to read from
//   - cfg: Retry pacing and rate limiting, nil for defaults
//   - l: Logger for retry diagnostics
//
// Returns:
//   - *ChainView: The retrying view
func NewChainView(client EthClientInterface, cfg *ChainViewConfig, l *zap.Logger) *ChainView {
	if cfg == nil {
		cfg = DefaultChainViewConfig()
	}
	v := &ChainView{client: client, config: cfg, logger: l, metrics: metrics.NoopMetricer}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return v
}

// WithMetrics labels the view with a chain name and reports failed attempts to m.
func (v *ChainView) WithMetrics(name string, m metrics.Metricer) *ChainView {
	v.name = name
	if m != nil {
		v.metrics = m
	}
	return v
}

// Client returns the underlying chain client.
func (v *ChainView) Client() EthClientInterface {
	return v.client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryQuery[T any](ctx context.Context, v *ChainView, query string, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	var errs *multierror.Error
	for i := 1; i <= attempts; i++ {
		if v.limiter != nil {
			if err := v.limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", i, err))
		v.metrics.RecordChainQueryRetry(v.name, query)
		v.logger.Sugar().Debugw("chain query failed",
			zap.String("query", query),
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if i < attempts {
			if err := sleepContext(ctx, delay); err != nil {
				return zero, err
			}
		}
	}
	v.logger.Sugar().Warnw("chain query exhausted",
		zap.String("query", query),
		zap.Int("attempts", attempts),
	)
	return zero, &QueryExhaustedError{Query: query, Attempts: attempts, Err: errs.ErrorOrNil()}
}

// BlockNumber returns the latest block number.
func (v *ChainView) BlockNumber(ctx context.Context, attempts int) (uint64, error) {
	return retryQuery(ctx, v, "blockNumber", attempts, v.config.SlowRetryDelay, v.client.BlockNumber)
}

// TransactionCount returns the account nonce at the latest block.
func (v *ChainView) TransactionCount(ctx context.Context, attempts int, address common.Address) (uint64, error) {
	return retryQuery(ctx, v, "transactionCount", attempts, v.config.SlowRetryDelay, func(ctx context.Context) (uint64, error) {
		return v.client.NonceAt(ctx, address, nil)
	})
}

// Balance returns the account balance at the latest block.
func (v *ChainView) Balance(ctx context.Context, attempts int, address common.Address) (*big.Int, error) {
	return retryQuery(ctx, v, "balance", attempts, v.config.SlowRetryDelay, func(ctx context.Context) (*big.Int, error) {
		return v.client.BalanceAt(ctx, address, nil)
	})
}

// PastEvents returns the logs matching the filter.
func (v *ChainView) PastEvents(ctx context.Context, attempts int, q ethereum.FilterQuery) ([]types.Log, error) {
	return retryQuery(ctx, v, "pastEvents", attempts, v.config.FastRetryDelay, func(ctx context.Context) ([]types.Log, error) {
		return v.client.FilterLogs(ctx, q)
	})
}

// TransactionReceipt returns the receipt for the hash. A receipt that does not exist yet is
// not a failure: the result is (nil, nil) and no further attempts are made.
func (v *ChainView) TransactionReceipt(ctx context.Context, attempts int, hash common.Hash) (*types.Receipt, error) {
	return retryQuery(ctx, v, "transactionReceipt", attempts, v.config.FastRetryDelay, func(ctx context.Context) (*types.Receipt, error) {
		receipt, err := v.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return receipt, err
	})
}

// WaitForNextBlock polls until the chain advances past the block current at the time of the
// call and returns the new block number.
func (v *ChainView) WaitForNextBlock(ctx context.Context) (uint64, error) {
	start, err := v.BlockNumber(ctx, 1)
	if err != nil {
		return 0, err
	}
	for {
		if err := sleepContext(ctx, v.config.FastRetryDelay); err != nil {
			return 0, err
		}
		current, err := v.client.BlockNumber(ctx)
		if err != nil {
			v.logger.Sugar().Debugw("block number poll failed", zap.Error(err))
			continue
		}
		if current > start {
			return current, nil
		}
	}
}
