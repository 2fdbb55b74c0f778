// Package account describes the accounts that can originate bridge transactions.
// An account is one of a closed set of descriptor variants, each naming a different
// trust backend: a raw private key, a remote transaction manager, a remote signing
// enclave, a browser-style wallet provider, or an AWS KMS key.
package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidCredential is returned when a descriptor cannot be classified or is missing
	// the fields its variant requires
	ErrInvalidCredential = errors.New("invalid credential")
)

// Kind identifies the trust backend a descriptor belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindDirectKey
	KindTransactionManager
	KindEnclave
	KindBrowserWallet
	KindKMS
)

func (k Kind) String() string {
	switch k {
	case KindDirectKey:
		return "direct"
	case KindTransactionManager:
		return "tm"
	case KindEnclave:
		return "enclave"
	case KindBrowserWallet:
		return "wallet"
	case KindKMS:
		return "kms"
	default:
		return "unknown"
	}
}

// AutoSends reports whether backends of this kind broadcast the transaction themselves.
func (k Kind) AutoSends() bool {
	return k == KindTransactionManager || k == KindBrowserWallet
}

// Descriptor is implemented only by the variants declared in this package.
type Descriptor interface {
	kind() Kind
}

// WalletTransaction is the request a wallet provider receives. Nonce, Gas and GasPrice are
// decimal strings; Value is a 0x-prefixed hex quantity.
type WalletTransaction struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// WalletProvider is an externally-controlled wallet that signs and broadcasts on request.
type WalletProvider interface {
	SendTransaction(ctx context.Context, tx *WalletTransaction) (common.Hash, error)
}

// DirectKey holds a raw secp256k1 private key in hex, with or without the 0x prefix.
type DirectKey struct {
	PrivateKey string

	once    sync.Once
	key     *ecdsa.PrivateKey
	address common.Address
	err     error
}

// TransactionManagerBacked delegates signing and broadcasting to a transaction manager service.
type TransactionManagerBacked struct {
	ServiceURL string
	Address    common.Address
	TLS        *rpcClient.TLSMaterial
}

// EnclaveBacked delegates signing of the transaction hash to a remote enclave holding KeyName.
type EnclaveBacked struct {
	ServiceURL string
	KeyName    string
	Address    common.Address
	TLS        *rpcClient.TLSMaterial
}

// BrowserWallet delegates signing and broadcasting to a wallet provider.
type BrowserWallet struct {
	Provider        WalletProvider
	SelectedAddress common.Address
}

// KMSBacked signs with an asymmetric secp256k1 key held by AWS KMS.
type KMSBacked struct {
	KeyID  string
	Region string

	mu      sync.RWMutex
	address common.Address
}

func (*DirectKey) kind() Kind                { return KindDirectKey }
func (*TransactionManagerBacked) kind() Kind { return KindTransactionManager }
func (*EnclaveBacked) kind() Kind            { return KindEnclave }
func (*BrowserWallet) kind() Kind            { return KindBrowserWallet }
func (*KMSBacked) kind() Kind                { return KindKMS }

// NewDirectKey returns a DirectKey descriptor for the given hex private key.
func NewDirectKey(privateKeyHex string) *DirectKey {
	return &DirectKey{PrivateKey: privateKeyHex}
}

// Key parses the private key once and returns it together with its address.
func (d *DirectKey) Key() (*ecdsa.PrivateKey, common.Address, error) {
	d.once.Do(func() {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(d.PrivateKey), "0x"))
		if err != nil {
			d.err = fmt.Errorf("%w: failed to parse private key: %v", ErrInvalidCredential, err)
			return
		}
		d.key = key
		d.address = crypto.PubkeyToAddress(key.PublicKey)
	})
	return d.key, d.address, d.err
}

// SetAddress records the address derived from the KMS public key.
func (k *KMSBacked) SetAddress(address common.Address) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.address = address
}

func (k *KMSBacked) resolvedAddress() common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.address
}

// Classify determines the backend kind of a descriptor.
// A nil descriptor, or a variant missing one of its mandatory fields, is an invalid credential.
//
// Parameters:
//   - d: The descriptor to classify
//
// Returns:
//   - Kind: The backend kind of the descriptor
//   - error: ErrInvalidCredential if the descriptor cannot be used
func Classify(d Descriptor) (Kind, error) {
	switch v := d.(type) {
	case *DirectKey:
		if v == nil || strings.TrimSpace(v.PrivateKey) == "" {
			return KindUnknown, fmt.Errorf("%w: direct key descriptor has no private key", ErrInvalidCredential)
		}
	case *TransactionManagerBacked:
		if v == nil || v.ServiceURL == "" || v.Address == (common.Address{}) {
			return KindUnknown, fmt.Errorf("%w: transaction manager descriptor requires a service URL and address", ErrInvalidCredential)
		}
	case *EnclaveBacked:
		if v == nil || v.ServiceURL == "" || v.KeyName == "" || v.Address == (common.Address{}) {
			return KindUnknown, fmt.Errorf("%w: enclave descriptor requires a service URL, key name and address", ErrInvalidCredential)
		}
	case *BrowserWallet:
		if v == nil || v.Provider == nil || v.SelectedAddress == (common.Address{}) {
			return KindUnknown, fmt.Errorf("%w: wallet descriptor requires a provider and a selected address", ErrInvalidCredential)
		}
	case *KMSBacked:
		if v == nil || v.KeyID == "" {
			return KindUnknown, fmt.Errorf("%w: kms descriptor requires a key id", ErrInvalidCredential)
		}
	default:
		return KindUnknown, fmt.Errorf("%w: bad credentials information specified", ErrInvalidCredential)
	}
	return d.kind(), nil
}

// Resolve returns the address that transactions from the descriptor originate from.
// Direct keys derive the address from the public key and cache it on the descriptor;
// every other variant returns its configured address.
//
// Parameters:
//   - d: The descriptor to resolve
//
// Returns:
//   - common.Address: The sender address
//   - error: ErrInvalidCredential if the descriptor cannot produce an address
func Resolve(d Descriptor) (common.Address, error) {
	if _, err := Classify(d); err != nil {
		return common.Address{}, err
	}
	switch v := d.(type) {
	case *DirectKey:
		_, addr, err := v.Key()
		if err != nil {
			return common.Address{}, err
		}
		return addr, nil
	case *TransactionManagerBacked:
		return v.Address, nil
	case *EnclaveBacked:
		return v.Address, nil
	case *BrowserWallet:
		return v.SelectedAddress, nil
	case *KMSBacked:
		addr := v.resolvedAddress()
		if addr == (common.Address{}) {
			return common.Address{}, fmt.Errorf("%w: kms key %s has not been resolved", ErrInvalidCredential, v.KeyID)
		}
		return addr, nil
	}
	return common.Address{}, ErrInvalidCredential
}
