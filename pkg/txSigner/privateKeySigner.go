package txSigner

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PrivateKeySigner implements ISigningBackend using a raw private key
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewPrivateKeySigner creates a new PrivateKeySigner from a direct key descriptor
func NewPrivateKeySigner(d *account.DirectKey) (*PrivateKeySigner, error) {
	privateKey, address, err := d.Key()
	if err != nil {
		return nil, err
	}
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    address,
	}, nil
}

// Sign signs the template locally; the result still has to be broadcast
func (p *PrivateKeySigner) Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error) {
	if err := tmpl.Consume(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tmpl.Transaction(), tmpl.Signer(), p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return &SignResult{Tx: signed, RawTx: raw, TxHash: signed.Hash()}, nil
}

// GetAddress returns the address associated with this private key
func (p *PrivateKeySigner) GetAddress() (common.Address, error) {
	return p.address, nil
}

func (p *PrivateKeySigner) Kind() account.Kind {
	return account.KindDirectKey
}
