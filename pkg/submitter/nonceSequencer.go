package submitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type senderKey struct {
	chainID uint64
	sender  common.Address
}

// NonceSequencer serializes submissions of the same sender on the same chain between reading the
// nonce and broadcasting, so concurrent submissions never sign with the same nonce.
type NonceSequencer struct {
	mu    sync.Mutex
	slots map[senderKey]chan struct{}
}

// NewNonceSequencer creates an empty sequencer.
func NewNonceSequencer() *NonceSequencer {
	return &NonceSequencer{slots: make(map[senderKey]chan struct{})}
}

func (ns *NonceSequencer) slot(chainID uint64, sender common.Address) chan struct{} {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	key := senderKey{chainID: chainID, sender: sender}
	s, ok := ns.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		ns.slots[key] = s
	}
	return s
}

// Acquire blocks until the sender's slot is free or ctx is done. The returned release function
// may be called more than once.
func (ns *NonceSequencer) Acquire(ctx context.Context, chainID uint64, sender common.Address) (func(), error) {
	s := ns.slot(chainID, sender)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for nonce slot of %s: %w", sender.Hex(), ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}, nil
}
