package txSigner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// tmTransaction is the transaction dictionary a transaction manager accepts. It carries no
// chain id and names the gas limit "gas".
type tmTransaction struct {
	Nonce    uint64   `json:"nonce"`
	GasPrice *big.Int `json:"gasPrice"`
	Gas      uint64   `json:"gas"`
	To       string   `json:"to"`
	Data     string   `json:"data"`
	Value    string   `json:"value"`
}

type tmResponse struct {
	Data *struct {
		TransactionHash string `json:"transaction_hash"`
	} `json:"data"`
}

// TransactionManagerSigner hands the transaction to a transaction manager service which signs
// and broadcasts it. Sign returns as soon as the service accepts the transaction.
type TransactionManagerSigner struct {
	descriptor *account.TransactionManagerBacked
	client     *rpcClient.Client
	logger     *zap.Logger
}

// NewTransactionManagerSigner creates the backend for a transaction manager descriptor.
func NewTransactionManagerSigner(d *account.TransactionManagerBacked, deps *BackendDeps) (*TransactionManagerSigner, error) {
	client, err := deps.client(d.ServiceURL, d.TLS)
	if err != nil {
		return nil, fmt.Errorf("transaction manager: %w", err)
	}
	return &TransactionManagerSigner{descriptor: d, client: client, logger: deps.logger()}, nil
}

func transactionDict(tmpl *RawTransactionTemplate) (string, error) {
	gasPrice := tmpl.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	b, err := json.Marshal(&tmTransaction{
		Nonce:    tmpl.Nonce,
		GasPrice: gasPrice,
		Gas:      tmpl.GasLimit,
		To:       tmpl.To.Hex(),
		Data:     hexutil.Encode(tmpl.Data),
		Value:    hexutil.EncodeBig(tmpl.value()),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sign dispatches the template. A service that answers without a hash yields a result with a
// zero TxHash rather than an error; the caller then polls until its budget runs out.
func (s *TransactionManagerSigner) Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error) {
	if err := tmpl.Consume(); err != nil {
		return nil, err
	}
	dict, err := transactionDict(tmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction dict: %w", err)
	}
	resp, err := s.client.Call(ctx, &rpcClient.Request{
		Fields: map[string]interface{}{"transaction_dict": dict},
	})
	if err != nil {
		return nil, fmt.Errorf("transaction manager call failed: %w", err)
	}

	result := &SignResult{AutoSent: true}
	var out tmResponse
	if err := json.Unmarshal(resp.Raw, &out); err != nil || out.Data == nil || out.Data.TransactionHash == "" {
		s.logger.Sugar().Warnw("transaction manager returned no transaction hash",
			zap.String("url", s.client.URL()),
			zap.ByteString("response", resp.Raw),
		)
		return result, nil
	}
	result.TxHash = common.HexToHash(out.Data.TransactionHash)
	s.logger.Sugar().Infow("transaction manager accepted transaction",
		zap.String("txHash", result.TxHash.Hex()),
		zap.Uint64("nonce", tmpl.Nonce),
	)
	return result, nil
}

func (s *TransactionManagerSigner) GetAddress() (common.Address, error) {
	return account.Resolve(s.descriptor)
}

func (s *TransactionManagerSigner) Kind() account.Kind {
	return account.KindTransactionManager
}
