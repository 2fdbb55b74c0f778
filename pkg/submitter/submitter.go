// Package submitter drives a bridge transaction from construction to confirmation.
// A submission prices the call, simulates it, signs it through the account's backend,
// broadcasts it when the backend did not, waits for the receipt and finally looks for
// the event the bridge contract must have emitted in the transaction.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/chainManager"
	"github.com/Layr-Labs/bridge-txengine/pkg/dryRun"
	"github.com/Layr-Labs/bridge-txengine/pkg/gasCustomizer"
	"github.com/Layr-Labs/bridge-txengine/pkg/metrics"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/Layr-Labs/bridge-txengine/pkg/txSigner"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNonceUnavailable is returned when the sender's nonce could not be read
	ErrNonceUnavailable = errors.New("nonce unavailable")
	// ErrReceiptUnavailable is returned when no receipt appeared within the polling budget
	ErrReceiptUnavailable = errors.New("receipt unavailable")
	// ErrEventNotObserved is returned when the expected event was not found near the transaction
	ErrEventNotObserved = errors.New("expected event not observed")
	// ErrTransactionFailed is returned when the receipt reports a reverted transaction
	ErrTransactionFailed = errors.New("transaction failed")
)

// State is a step of the submission pipeline.
type State string

const (
	StateBuilding        State = "Building"
	StateDryRun          State = "DryRun"
	StateSigning         State = "Signing"
	StateSubmitted       State = "Submitted"
	StateAwaitingReceipt State = "AwaitingReceipt"
	StateVerifyingEvents State = "VerifyingEvents"
	StateConfirmed       State = "Confirmed"
	StateFailed          State = "Failed"
)

// Config holds the retry budgets and delays of the pipeline.
type Config struct {
	// NonceAttempts bounds reads of the sender's transaction count
	NonceAttempts int `yaml:"nonceAttempts"`
	// BlockNumberAttempts bounds reads of the latest block during event verification
	BlockNumberAttempts int `yaml:"blockNumberAttempts"`
	// ReceiptPollAttempts is how many times a receipt is polled for before giving up
	ReceiptPollAttempts int `yaml:"receiptPollAttempts"`
	// ReceiptPollInterval separates receipt polls
	ReceiptPollInterval time.Duration `yaml:"receiptPollInterval"`
	// ReceiptQueryAttempts bounds each individual receipt poll
	ReceiptQueryAttempts int `yaml:"receiptQueryAttempts"`
	// EventQueryAttempts bounds the log query of event verification
	EventQueryAttempts int `yaml:"eventQueryAttempts"`
	// BroadcastAttempts is how many times a signed transaction is sent
	BroadcastAttempts int `yaml:"broadcastAttempts"`
	// SettleDelay is waited after a backend broadcasts on its own, and after the receipt before looking for events
	SettleDelay time.Duration `yaml:"settleDelay"`
	// EventWindow is the number of blocks searched on either side of the receipt's block
	EventWindow uint64 `yaml:"eventWindow"`
	// SerializeSenders holds a per-sender lock from nonce read to broadcast
	SerializeSenders bool `yaml:"serializeSenders"`

	DryRun    *dryRun.Config               `yaml:"dryRun"`
	ChainView *chainManager.ChainViewConfig `yaml:"chainView"`
	RPC       *rpcClient.Options            `yaml:"-"`
}

// DefaultConfig returns the standard budgets: 10 nonce attempts, 100 receipt polls 5s apart,
// one broadcast retry, a 5s settle delay and a window of 10 blocks.
func DefaultConfig() *Config {
	return &Config{
		NonceAttempts:        10,
		BlockNumberAttempts:  10,
		ReceiptPollAttempts:  100,
		ReceiptPollInterval:  5 * time.Second,
		ReceiptQueryAttempts: 10,
		EventQueryAttempts:   10,
		BroadcastAttempts:    2,
		SettleDelay:          5 * time.Second,
		EventWindow:          10,
		DryRun:               dryRun.DefaultConfig(),
		ChainView:            chainManager.DefaultChainViewConfig(),
	}
}

// Request describes one contract call to submit.
type Request struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// MethodName labels logs and dry-run errors; the selector is used when empty
	MethodName string
	CallSite   dryRun.CallSite
	// RecommendedGas is the gas limit used when estimation yields nothing
	RecommendedGas uint64
	// GasProfile defaults to the deposit profile
	GasProfile *gasCustomizer.Config
	// MaxGasPrice caps multiplied gas prices, defaults to 200 gwei
	MaxGasPrice   *big.Int
	ExpectedEvent *ExpectedEvent
	DryRunOptOut  dryRun.OptOut
}

// SubmissionResult is the outcome of a submission. It is returned alongside errors so the caller
// can see how far the pipeline got; a result is successful only if Succeeded reports true.
type SubmissionResult struct {
	ID            string
	TxHash        common.Hash
	Receipt       *types.Receipt
	MatchedEvents []types.Log
	States        []State
}

// Succeeded reports whether the submission reached the Confirmed state.
func (r *SubmissionResult) Succeeded() bool {
	return len(r.States) > 0 && r.States[len(r.States)-1] == StateConfirmed && r.Receipt != nil
}

// FinalState returns the last state the submission entered.
func (r *SubmissionResult) FinalState() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// ISubmitter submits transactions on behalf of accounts.
type ISubmitter interface {
	Submit(ctx context.Context, chain *chainManager.Chain, d account.Descriptor, req *Request) (*SubmissionResult, error)
	Close() error
}

// Submitter implements ISubmitter. It holds no per-submission state and may be used concurrently.
// Connections to signing services are shared by all submissions and released by Close.
type Submitter struct {
	config    *Config
	guard     *dryRun.Guard
	sequencer *NonceSequencer
	clients   *rpcClient.Pool
	metrics   metrics.Metricer
	logger    *zap.Logger
}

// NewSubmitter creates a submitter.
//
// Parameters:
//   - cfg: Retry budgets and delays, nil for DefaultConfig
//   - m: Metrics sink, nil for no metrics
//   - l: Logger
//
// Returns:
//   - *Submitter: The submitter
func NewSubmitter(cfg *Config, m metrics.Metricer, l *zap.Logger) *Submitter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DryRun == nil || cfg.ChainView == nil {
		filled := *cfg
		if filled.DryRun == nil {
			filled.DryRun = dryRun.DefaultConfig()
		}
		if filled.ChainView == nil {
			filled.ChainView = chainManager.DefaultChainViewConfig()
		}
		cfg = &filled
	}
	if m == nil {
		m = metrics.NoopMetricer
	}
	s := &Submitter{
		config:  cfg,
		guard:   dryRun.NewGuard(cfg.DryRun, l),
		clients: rpcClient.NewPool(cfg.RPC, l),
		metrics: m,
		logger:  l,
	}
	if cfg.SerializeSenders {
		s.sequencer = NewNonceSequencer()
	}
	return s
}

// Close releases the connections to signing services. Submissions started after Close fail
// for backends that need one.
func (s *Submitter) Close() error {
	return s.clients.Close()
}

// submission tracks one run through the pipeline.
type submission struct {
	result    *SubmissionResult
	chainName string
	backend   string
	started   time.Time
	metrics   metrics.Metricer
	logger    *zap.Logger
}

func (sub *submission) enter(state State) {
	sub.result.States = append(sub.result.States, state)
	sub.metrics.RecordStateTransition(sub.chainName, string(state))
	sub.logger.Sugar().Debugw("submission state", zap.String("state", string(state)))
}

func (sub *submission) fail(err error) (*SubmissionResult, error) {
	sub.enter(StateFailed)
	sub.metrics.RecordSubmission(sub.chainName, sub.backend, "failed", time.Since(sub.started))
	sub.logger.Sugar().Errorw("submission failed",
		zap.String("txHash", sub.result.TxHash.Hex()),
		zap.Error(err),
	)
	return sub.result, err
}

// Submit runs the request through the pipeline:
// Building, DryRun, Signing, Submitted, AwaitingReceipt, VerifyingEvents, then Confirmed or Failed.
// Every wait honours ctx. A failed submission is never retried.
//
// Parameters:
//   - ctx: Bounds the whole submission
//   - chain: The chain to submit to
//   - d: The sending account
//   - req: The call to submit
//
// Returns:
//   - *SubmissionResult: The states entered and whatever was learned; never nil
//   - error: The reason the submission failed
func (s *Submitter) Submit(ctx context.Context, chain *chainManager.Chain, d account.Descriptor, req *Request) (*SubmissionResult, error) {
	id := uuid.New().String()
	cfg := chain.Config()
	sub := &submission{
		result:    &SubmissionResult{ID: id},
		chainName: cfg.ChainName,
		backend:   account.KindUnknown.String(),
		started:   time.Now(),
		metrics:   s.metrics,
		logger: s.logger.With(
			zap.String("submissionId", id),
			zap.String("chain", cfg.ChainName),
			zap.String("to", req.To.Hex()),
		),
	}
	client := chain.RPCClient
	view := chainManager.NewChainView(client, s.config.ChainView, sub.logger).WithMetrics(cfg.ChainName, s.metrics)

	sub.enter(StateBuilding)
	backend, err := txSigner.NewSigningBackend(d, &txSigner.BackendDeps{
		Logger:  sub.logger,
		RPC:     s.config.RPC,
		Clients: s.clients,
	})
	if err != nil {
		return sub.fail(err)
	}
	sub.backend = backend.Kind().String()
	from, err := backend.GetAddress()
	if err != nil {
		return sub.fail(err)
	}
	sub.logger = sub.logger.With(zap.String("from", from.Hex()), zap.String("backend", sub.backend))

	release := func() {}
	if s.sequencer != nil {
		release, err = s.sequencer.Acquire(ctx, cfg.ChainID, from)
		if err != nil {
			return sub.fail(err)
		}
	}
	defer release()

	nonce, err := view.TransactionCount(ctx, s.config.NonceAttempts, from)
	if err != nil {
		return sub.fail(fmt.Errorf("%w: %w", ErrNonceUnavailable, err))
	}

	profile := req.GasProfile
	if profile == nil {
		profile = gasCustomizer.DepositProfile()
	}
	maxGasPrice := req.MaxGasPrice
	if maxGasPrice == nil {
		maxGasPrice = gasCustomizer.DefaultMaxGasPrice
	}
	recommendedGas := req.RecommendedGas
	if recommendedGas == 0 {
		recommendedGas = gasCustomizer.RecommendedDepositGas
	}
	gas := gasCustomizer.NewGasCustomizer(profile, sub.logger)
	gasPrice, err := gas.GasPrice(ctx, client, maxGasPrice)
	if err != nil {
		return sub.fail(fmt.Errorf("failed to get gas price: %w", err))
	}
	gasLimit := gas.GasLimit(ctx, client, ethereum.CallMsg{
		From:     from,
		To:       &req.To,
		GasPrice: gasPrice,
		Value:    req.Value,
		Data:     req.Data,
	}, recommendedGas)
	s.metrics.RecordGasPrice(cfg.ChainName, gasPrice)

	sub.enter(StateDryRun)
	call := &dryRun.Call{To: req.To, Data: req.Data, Value: req.Value, Method: req.MethodName, Site: req.CallSite}
	if err := s.guard.Preflight(ctx, client, call, from, gasPrice, gasLimit, req.DryRunOptOut); err != nil {
		return sub.fail(err)
	}

	sub.enter(StateSigning)
	tmpl := &txSigner.RawTransactionTemplate{
		ChainID:  new(big.Int).SetUint64(cfg.ChainID),
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		To:       req.To,
		Data:     req.Data,
		Value:    req.Value,
	}
	signed, err := backend.Sign(ctx, tmpl)
	if err != nil {
		return sub.fail(fmt.Errorf("failed to sign %s: %w", call.MethodName(), err))
	}
	sub.logger.Sugar().Infow("transaction signed",
		zap.String("method", call.MethodName()),
		zap.Uint64("nonce", nonce),
		zap.String("gasPrice", gasPrice.String()),
		zap.Uint64("gasLimit", gasLimit),
		zap.Bool("autoSent", signed.AutoSent),
	)

	sub.result.TxHash = signed.TxHash
	if !signed.AutoSent {
		if err := s.broadcast(ctx, client, signed.Tx, sub); err != nil {
			return sub.fail(err)
		}
	}
	release()
	sub.enter(StateSubmitted)

	sub.enter(StateAwaitingReceipt)
	if signed.AutoSent {
		if signed.TxHash == (common.Hash{}) {
			sub.logger.Sugar().Warnw("backend returned no transaction hash, polling until the budget is spent")
		}
		if err := sleep(ctx, s.config.SettleDelay); err != nil {
			return sub.fail(err)
		}
	}
	receipt, err := s.waitForReceipt(ctx, view, signed.TxHash, sub)
	if err != nil {
		return sub.fail(err)
	}
	sub.result.Receipt = receipt
	if receipt.Status != types.ReceiptStatusSuccessful {
		return sub.fail(fmt.Errorf("%w: %s reverted in block %s", ErrTransactionFailed, receipt.TxHash.Hex(), receipt.BlockNumber))
	}

	sub.enter(StateVerifyingEvents)
	if req.ExpectedEvent != nil {
		events, err := s.verifyEvent(ctx, view, req.ExpectedEvent, receipt)
		if err != nil {
			return sub.fail(err)
		}
		sub.result.MatchedEvents = events
	}

	sub.enter(StateConfirmed)
	s.metrics.RecordSubmission(cfg.ChainName, sub.backend, "confirmed", time.Since(sub.started))
	sub.logger.Sugar().Infow("submission confirmed",
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Uint64("blockNumber", receipt.BlockNumber.Uint64()),
		zap.Uint64("gasUsed", receipt.GasUsed),
		zap.Int("matchedEvents", len(sub.result.MatchedEvents)),
	)
	return sub.result, nil
}
