package txSigner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	// ErrEnclaveSignature is returned when the enclave's signature cannot be applied to the transaction
	ErrEnclaveSignature = errors.New("invalid enclave signature")
)

type enclaveSignParams struct {
	KeyName     string `json:"keyName"`
	MessageHash string `json:"messageHash"`
	Base        int    `json:"base"`
}

type enclaveSignResult struct {
	SignatureV json.RawMessage `json:"signature_v"`
	SignatureR string          `json:"signature_r"`
	SignatureS string          `json:"signature_s"`
}

// EnclaveSigner asks a remote enclave to sign the transaction hash and assembles the signed
// transaction locally.
type EnclaveSigner struct {
	descriptor *account.EnclaveBacked
	client     *rpcClient.Client
	logger     *zap.Logger
}

// NewEnclaveSigner creates the backend for an enclave descriptor.
func NewEnclaveSigner(d *account.EnclaveBacked, deps *BackendDeps) (*EnclaveSigner, error) {
	client, err := deps.client(d.ServiceURL, d.TLS)
	if err != nil {
		return nil, fmt.Errorf("enclave: %w", err)
	}
	return &EnclaveSigner{descriptor: d, client: client, logger: deps.logger()}, nil
}

// ExpectedV returns the full v value of a transaction signed with recovery id vRaw:
// vRaw + chainID*2 + 8 + 27, where a zero chain id contributes -4 (giving vRaw + 27).
func ExpectedV(vRaw uint64, chainID *big.Int) *big.Int {
	v := new(big.Int).SetUint64(vRaw + 27)
	if chainID == nil || chainID.Sign() == 0 {
		return v
	}
	v.Add(v, new(big.Int).Mul(chainID, big.NewInt(2)))
	return v.Add(v, big.NewInt(8))
}

func parseSignatureV(raw json.RawMessage) (uint64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad signature_v %q", ErrEnclaveSignature, s)
	}
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return 0, fmt.Errorf("%w: recovery id %d out of range", ErrEnclaveSignature, v)
	}
	return v, nil
}

func parseSignatureWord(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	n, ok := new(big.Int).SetString(s, 16)
	if !ok || n.Sign() <= 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("%w: bad signature component %q", ErrEnclaveSignature, s)
	}
	return common.LeftPadBytes(n.Bytes(), 32), nil
}

// Sign computes the signing hash, has the enclave sign it and splices the signature in.
// The resulting v is checked against the chain-id derivation and the sender against the
// configured address.
func (e *EnclaveSigner) Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error) {
	if err := tmpl.Consume(); err != nil {
		return nil, err
	}
	tx := tmpl.Transaction()
	signer := tmpl.Signer()
	hash := signer.Hash(tx)

	var out enclaveSignResult
	err := e.client.CallMethod(ctx, &out, "ecdsaSignMessageHash", &enclaveSignParams{
		KeyName:     e.descriptor.KeyName,
		MessageHash: hex.EncodeToString(hash.Bytes()),
		Base:        16,
	})
	if err != nil {
		return nil, fmt.Errorf("enclave signing call failed: %w", err)
	}

	vRaw, err := parseSignatureV(out.SignatureV)
	if err != nil {
		return nil, err
	}
	r, err := parseSignatureWord(out.SignatureR)
	if err != nil {
		return nil, err
	}
	s, err := parseSignatureWord(out.SignatureS)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[0:32], r)
	copy(sig[32:64], s)
	sig[64] = byte(vRaw)

	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnclaveSignature, err)
	}
	v, _, _ := signed.RawSignatureValues()
	if want := ExpectedV(vRaw, tmpl.ChainID); v.Cmp(want) != 0 {
		return nil, fmt.Errorf("%w: v is %s, expected %s", ErrEnclaveSignature, v, want)
	}
	sender, err := types.Sender(signer, signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnclaveSignature, err)
	}
	if sender != e.descriptor.Address {
		return nil, fmt.Errorf("%w: signature recovers to %s, expected %s", ErrEnclaveSignature, sender.Hex(), e.descriptor.Address.Hex())
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	e.logger.Sugar().Debugw("enclave signed transaction",
		zap.String("keyName", e.descriptor.KeyName),
		zap.String("txHash", signed.Hash().Hex()),
	)
	return &SignResult{Tx: signed, RawTx: raw, TxHash: signed.Hash()}, nil
}

func (e *EnclaveSigner) GetAddress() (common.Address, error) {
	return account.Resolve(e.descriptor)
}

func (e *EnclaveSigner) Kind() account.Kind {
	return account.KindEnclave
}
