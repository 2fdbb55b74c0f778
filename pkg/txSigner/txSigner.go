// Package txSigner provides the signing backends of the bridge transaction engine.
// A backend turns an unsigned legacy transaction template into either a signed transaction
// ready for broadcast, or the hash of a transaction the backend already broadcast itself.
package txSigner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// ErrTemplateConsumed is returned when a template is signed a second time
	ErrTemplateConsumed = errors.New("transaction template already consumed")
)

// RawTransactionTemplate is an unsigned legacy transaction. A template is consumed by the first
// Sign call that uses it; retries must build a new template.
type RawTransactionTemplate struct {
	ChainID  *big.Int
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       common.Address
	Data     []byte
	Value    *big.Int

	consumed atomic.Bool
}

// Consume marks the template as used.
func (t *RawTransactionTemplate) Consume() error {
	if !t.consumed.CompareAndSwap(false, true) {
		return ErrTemplateConsumed
	}
	return nil
}

// Transaction builds the unsigned transaction.
func (t *RawTransactionTemplate) Transaction() *types.Transaction {
	to := t.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: t.GasPrice,
		Gas:      t.GasLimit,
		To:       &to,
		Value:    t.value(),
		Data:     t.Data,
	})
}

// Signer returns the EIP-155 signer for the chain, or the Homestead signer when no chain id is set.
func (t *RawTransactionTemplate) Signer() types.Signer {
	if t.ChainID == nil || t.ChainID.Sign() == 0 {
		return types.HomesteadSigner{}
	}
	return types.NewEIP155Signer(t.ChainID)
}

func (t *RawTransactionTemplate) value() *big.Int {
	if t.Value == nil {
		return new(big.Int)
	}
	return t.Value
}

// SignResult is the outcome of signing. When AutoSent is false, Tx and RawTx carry the signed
// transaction for the caller to broadcast. When AutoSent is true the backend already broadcast
// the transaction and only TxHash is known; the caller polls for the receipt.
type SignResult struct {
	Tx       *types.Transaction
	RawTx    []byte
	TxHash   common.Hash
	AutoSent bool
}

// ISigningBackend signs templates on behalf of one account.
type ISigningBackend interface {
	// Sign consumes the template and returns the signed (or already broadcast) transaction.
	Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error)

	// GetAddress returns the address transactions are sent from.
	GetAddress() (common.Address, error)

	// Kind reports which trust backend this is.
	Kind() account.Kind
}

// BackendDeps carries the collaborators a backend may need.
type BackendDeps struct {
	Logger *zap.Logger
	// RPC configures clients for transaction manager and enclave services
	RPC *rpcClient.Options
	// Clients shares service connections across backends; without it each backend owns its client
	Clients *rpcClient.Pool
	// KMS overrides the AWS KMS client, mainly for tests
	KMS kmsiface.KMSAPI
}

func (d *BackendDeps) logger() *zap.Logger {
	if d == nil || d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// client returns the service client for the endpoint, from the pool when one is configured.
func (d *BackendDeps) client(rawURL string, tls *rpcClient.TLSMaterial) (*rpcClient.Client, error) {
	if d != nil && d.Clients != nil {
		return d.Clients.Get(rawURL, tls)
	}
	return rpcClient.New(rawURL, d.rpcOptions(tls), d.logger())
}

func (d *BackendDeps) rpcOptions(tls *rpcClient.TLSMaterial) *rpcClient.Options {
	opts := &rpcClient.Options{TLS: tls}
	if d != nil && d.RPC != nil {
		opts.CallTimeout = d.RPC.CallTimeout
		if tls == nil {
			opts.TLS = d.RPC.TLS
		}
	}
	return opts
}

// NewSigningBackend selects the backend for the descriptor. Descriptors that cannot be
// classified fail with account.ErrInvalidCredential.
//
// Parameters:
//   - d: The account descriptor
//   - deps: Shared collaborators, may be nil
//
// Returns:
//   - ISigningBackend: The backend for the descriptor's kind
//   - error: account.ErrInvalidCredential or a backend construction error
func NewSigningBackend(d account.Descriptor, deps *BackendDeps) (ISigningBackend, error) {
	if _, err := account.Classify(d); err != nil {
		return nil, err
	}
	switch v := d.(type) {
	case *account.DirectKey:
		return NewPrivateKeySigner(v)
	case *account.TransactionManagerBacked:
		return NewTransactionManagerSigner(v, deps)
	case *account.EnclaveBacked:
		return NewEnclaveSigner(v, deps)
	case *account.BrowserWallet:
		return NewBrowserWalletSigner(v, deps.logger())
	case *account.KMSBacked:
		if deps != nil && deps.KMS != nil {
			return NewAWSKMSSignerWithClient(v, deps.KMS)
		}
		return NewAWSKMSSigner(v)
	}
	return nil, fmt.Errorf("%w: no signing backend for %T", account.ErrInvalidCredential, d)
}
