package txSigner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// BrowserWalletSigner forwards the transaction to a wallet provider, which signs and broadcasts it.
type BrowserWalletSigner struct {
	descriptor *account.BrowserWallet
	logger     *zap.Logger
}

func NewBrowserWalletSigner(d *account.BrowserWallet, l *zap.Logger) (*BrowserWalletSigner, error) {
	return &BrowserWalletSigner{descriptor: d, logger: l}, nil
}

// WalletTransactionFromTemplate encodes the template the way wallet providers expect it:
// decimal strings for nonce, gas and gas price, a hex quantity for value.
func WalletTransactionFromTemplate(from common.Address, tmpl *RawTransactionTemplate) *account.WalletTransaction {
	gasPrice := "0"
	if tmpl.GasPrice != nil {
		gasPrice = tmpl.GasPrice.String()
	}
	wt := &account.WalletTransaction{
		From:     from.Hex(),
		To:       tmpl.To.Hex(),
		Value:    hexutil.EncodeBig(tmpl.value()),
		Nonce:    strconv.FormatUint(tmpl.Nonce, 10),
		Gas:      strconv.FormatUint(tmpl.GasLimit, 10),
		GasPrice: gasPrice,
	}
	if len(tmpl.Data) > 0 {
		wt.Data = hexutil.Encode(tmpl.Data)
	}
	return wt
}

func (b *BrowserWalletSigner) Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error) {
	if err := tmpl.Consume(); err != nil {
		return nil, err
	}
	hash, err := b.descriptor.Provider.SendTransaction(ctx, WalletTransactionFromTemplate(b.descriptor.SelectedAddress, tmpl))
	if err != nil {
		return nil, fmt.Errorf("wallet provider rejected transaction: %w", err)
	}
	b.logger.Sugar().Infow("wallet provider sent transaction",
		zap.String("from", b.descriptor.SelectedAddress.Hex()),
		zap.String("txHash", hash.Hex()),
	)
	return &SignResult{TxHash: hash, AutoSent: true}, nil
}

func (b *BrowserWalletSigner) GetAddress() (common.Address, error) {
	return account.Resolve(b.descriptor)
}

func (b *BrowserWalletSigner) Kind() account.Kind {
	return account.KindBrowserWallet
}

// RPCWalletProvider is a wallet provider reached over JSON-RPC, such as a node with unlocked
// accounts or a wallet bridge exposing eth_sendTransaction.
type RPCWalletProvider struct {
	client *rpcClient.Client
}

func NewRPCWalletProvider(client *rpcClient.Client) *RPCWalletProvider {
	return &RPCWalletProvider{client: client}
}

func (p *RPCWalletProvider) SendTransaction(ctx context.Context, tx *account.WalletTransaction) (common.Hash, error) {
	var hash common.Hash
	if err := p.client.CallMethod(ctx, &hash, "eth_sendTransaction", []interface{}{tx}); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Accounts returns the addresses the provider controls.
func (p *RPCWalletProvider) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallMethod(ctx, &accounts, "eth_accounts", []interface{}{}); err != nil {
		return nil, err
	}
	return accounts, nil
}
