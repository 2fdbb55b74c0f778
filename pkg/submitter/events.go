package submitter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/bridge-txengine/pkg/chainManager"
	"github.com/Layr-Labs/bridge-txengine/pkg/util"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ExpectedEvent names an event a contract must emit in the submitted transaction.
type ExpectedEvent struct {
	Contract common.Address
	Name     string
	Topic    common.Hash
}

// NewExpectedEvent looks the event up in the contract's ABI.
func NewExpectedEvent(contract common.Address, contractABI abi.ABI, name string) (*ExpectedEvent, error) {
	event, ok := contractABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("event %s not found in contract ABI", name)
	}
	return &ExpectedEvent{Contract: contract, Name: name, Topic: event.ID}, nil
}

// ExpectedEventFromSignature builds the expectation from a canonical signature such as
// "OutgoingMessage(bytes32,uint256,address,address,bytes)".
func ExpectedEventFromSignature(contract common.Address, signature string) *ExpectedEvent {
	name := signature
	for i, c := range signature {
		if c == '(' {
			name = signature[:i]
			break
		}
	}
	return &ExpectedEvent{Contract: contract, Name: name, Topic: crypto.Keccak256Hash([]byte(signature))}
}

// eventWindow returns the block range searched around the receipt's block. The upper bound never
// passes the latest block and the range never inverts.
func eventWindow(receiptBlock uint64, latest uint64, window uint64) (uint64, uint64) {
	from := uint64(0)
	if receiptBlock > window {
		from = receiptBlock - window
	}
	to := receiptBlock + window
	if to > latest {
		to = latest
	}
	if to < from {
		to = from
	}
	return from, to
}

// verifyEvent waits for the node to settle then searches the window around the receipt's block
// for the expected event emitted by this transaction.
func (s *Submitter) verifyEvent(ctx context.Context, view *chainManager.ChainView, expected *ExpectedEvent, receipt *types.Receipt) ([]types.Log, error) {
	if err := sleep(ctx, s.config.SettleDelay); err != nil {
		return nil, err
	}
	latest, err := view.BlockNumber(ctx, s.config.BlockNumberAttempts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventNotObserved, err)
	}
	from, to := eventWindow(receipt.BlockNumber.Uint64(), latest, s.config.EventWindow)

	logs, err := view.PastEvents(ctx, s.config.EventQueryAttempts, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{expected.Contract},
		Topics:    [][]common.Hash{{expected.Topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventNotObserved, err)
	}
	matched := util.Filter(logs, func(l types.Log) bool {
		return l.TxHash == receipt.TxHash && l.Address == expected.Contract &&
			len(l.Topics) > 0 && l.Topics[0] == expected.Topic
	})
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %s from %s in blocks %d..%d", ErrEventNotObserved, expected.Name, expected.Contract.Hex(), from, to)
	}
	s.logger.Sugar().Debugw("expected event observed",
		zap.String("event", expected.Name),
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Int("count", len(matched)),
	)
	return matched, nil
}
