package submitter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Layr-Labs/bridge-txengine/pkg/chainManager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// broadcast sends a signed transaction. A node that already holds the transaction counts as a success.
func (s *Submitter) broadcast(ctx context.Context, client chainManager.EthClientInterface, tx *types.Transaction, sub *submission) error {
	attempts := s.config.BroadcastAttempts
	if attempts < 1 {
		attempts = 1
	}
	var errs *multierror.Error
	for i := 1; i <= attempts; i++ {
		err := client.SendTransaction(ctx, tx)
		if err == nil || isAlreadyKnown(err) {
			sub.logger.Sugar().Infow("transaction broadcast", zap.String("txHash", tx.Hash().Hex()))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = multierror.Append(errs, fmt.Errorf("attempt %d: %w", i, err))
		sub.logger.Sugar().Warnw("failed to broadcast transaction",
			zap.String("txHash", tx.Hash().Hex()),
			zap.Int("attempt", i),
			zap.Error(err),
		)
		if i < attempts {
			if err := sleep(ctx, s.config.ChainView.FastRetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("failed to broadcast %s: %w", tx.Hash().Hex(), errs.ErrorOrNil())
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// waitForReceipt polls for the receipt until it appears or the polling budget is spent.
func (s *Submitter) waitForReceipt(ctx context.Context, view *chainManager.ChainView, hash common.Hash, sub *submission) (*types.Receipt, error) {
	polls := s.config.ReceiptPollAttempts
	if polls < 1 {
		polls = 1
	}
	for i := 1; i <= polls; i++ {
		receipt, err := view.TransactionReceipt(ctx, s.config.ReceiptQueryAttempts, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sub.logger.Sugar().Debugw("receipt query failed", zap.String("txHash", hash.Hex()), zap.Error(err))
		}
		if receipt != nil {
			sub.metrics.RecordReceiptPolls(sub.chainName, i)
			return receipt, nil
		}
		if i < polls {
			if err := sleep(ctx, s.config.ReceiptPollInterval); err != nil {
				return nil, err
			}
		}
	}
	sub.metrics.RecordReceiptPolls(sub.chainName, polls)
	return nil, fmt.Errorf("%w: no receipt for %s after %d poll(s)", ErrReceiptUnavailable, hash.Hex(), polls)
}

func sleep(ctx context.Context, d time.Duration) error {
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
