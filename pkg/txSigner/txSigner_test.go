package txSigner

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testAddress = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

func newTemplate(chainID int64) *RawTransactionTemplate {
	return &RawTransactionTemplate{
		ChainID:  big.NewInt(chainID),
		Nonce:    7,
		GasPrice: big.NewInt(25_000_000_000),
		GasLimit: 125_000,
		To:       common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Data:     []byte{0xd0, 0xe3, 0x0d, 0xb0},
		Value:    big.NewInt(1_000_000_000_000_000),
	}
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)
	return key
}

func TestPrivateKeySigner_SignsAndRecovers(t *testing.T) {
	for _, chainID := range []int64{0, 1, 1337} {
		t.Run(fmt.Sprintf("chain %d", chainID), func(t *testing.T) {
			s, err := NewPrivateKeySigner(account.NewDirectKey("0x" + testPrivateKey))
			require.NoError(t, err)

			tmpl := newTemplate(chainID)
			res, err := s.Sign(context.Background(), tmpl)
			require.NoError(t, err)
			assert.False(t, res.AutoSent)
			require.NotNil(t, res.Tx)
			assert.Equal(t, res.Tx.Hash(), res.TxHash)

			sender, err := types.Sender(tmpl.Signer(), res.Tx)
			require.NoError(t, err)
			assert.Equal(t, testAddress, sender)

			var decoded types.Transaction
			require.NoError(t, decoded.UnmarshalBinary(res.RawTx))
			assert.Equal(t, res.TxHash, decoded.Hash())

			v, _, _ := res.Tx.RawSignatureValues()
			if chainID == 0 {
				assert.Contains(t, []int64{27, 28}, v.Int64())
			} else {
				assert.Equal(t, 0, v.Cmp(ExpectedV(v.Uint64()-uint64(35+2*chainID), big.NewInt(chainID))))
			}
		})
	}
}

func TestTemplate_ConsumedOnce(t *testing.T) {
	s, err := NewPrivateKeySigner(account.NewDirectKey(testPrivateKey))
	require.NoError(t, err)

	tmpl := newTemplate(1)
	_, err = s.Sign(context.Background(), tmpl)
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), tmpl)
	assert.ErrorIs(t, err, ErrTemplateConsumed)
}

func TestExpectedV(t *testing.T) {
	assert.Equal(t, int64(27), ExpectedV(0, big.NewInt(0)).Int64())
	assert.Equal(t, int64(28), ExpectedV(1, nil).Int64())
	assert.Equal(t, int64(37), ExpectedV(0, big.NewInt(1)).Int64())
	assert.Equal(t, int64(38), ExpectedV(1, big.NewInt(1)).Int64())
	assert.Equal(t, int64(2709), ExpectedV(0, big.NewInt(1337)).Int64())
}

func TestNewSigningBackend_Selection(t *testing.T) {
	provider := &fakeWalletProvider{}
	tests := []struct {
		name string
		d    account.Descriptor
		kind account.Kind
	}{
		{name: "direct", d: account.NewDirectKey(testPrivateKey), kind: account.KindDirectKey},
		{name: "tm", d: &account.TransactionManagerBacked{ServiceURL: "http://tm.local:3008", Address: testAddress}, kind: account.KindTransactionManager},
		{name: "enclave", d: &account.EnclaveBacked{ServiceURL: "https://sgx.local:1026", KeyName: "NEK:01", Address: testAddress}, kind: account.KindEnclave},
		{name: "wallet", d: &account.BrowserWallet{Provider: provider, SelectedAddress: testAddress}, kind: account.KindBrowserWallet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewSigningBackend(tt.d, &BackendDeps{Logger: zap.NewNop()})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, b.Kind())
			addr, err := b.GetAddress()
			require.NoError(t, err)
			assert.Equal(t, testAddress, addr)
		})
	}
}

func TestNewSigningBackend_InvalidCredential(t *testing.T) {
	for _, d := range []account.Descriptor{
		nil,
		account.NewDirectKey(""),
		&account.TransactionManagerBacked{ServiceURL: "http://tm.local"},
		&account.EnclaveBacked{ServiceURL: "http://sgx.local", Address: testAddress},
		&account.BrowserWallet{SelectedAddress: testAddress},
		&account.KMSBacked{},
	} {
		_, err := NewSigningBackend(d, nil)
		assert.ErrorIs(t, err, account.ErrInvalidCredential)
	}
}

func TestNewSigningBackend_InvalidServiceURL(t *testing.T) {
	_, err := NewSigningBackend(&account.TransactionManagerBacked{ServiceURL: "tm.local", Address: testAddress}, nil)
	assert.ErrorIs(t, err, rpcClient.ErrInvalidEndpoint)
}

func TestTransactionManagerSigner(t *testing.T) {
	sentHash := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = fmt.Fprintf(w, `{"data":{"transaction_hash":"%s"}}`, sentHash.Hex())
	}))
	defer server.Close()

	s, err := NewTransactionManagerSigner(
		&account.TransactionManagerBacked{ServiceURL: server.URL, Address: testAddress},
		&BackendDeps{Logger: zap.NewNop()},
	)
	require.NoError(t, err)

	res, err := s.Sign(context.Background(), newTemplate(5))
	require.NoError(t, err)
	assert.True(t, res.AutoSent)
	assert.Equal(t, sentHash, res.TxHash)
	assert.Nil(t, res.Tx)

	assert.Equal(t, "2.0", body["jsonrpc"])
	assert.NotZero(t, body["id"])
	dictStr, ok := body["transaction_dict"].(string)
	require.True(t, ok)

	var dict map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(dictStr), &dict))
	assert.NotContains(t, dict, "chainId")
	assert.NotContains(t, dict, "gasLimit")
	assert.EqualValues(t, 125_000, dict["gas"])
	assert.EqualValues(t, 7, dict["nonce"])
	assert.EqualValues(t, 25_000_000_000, dict["gasPrice"])
	assert.Equal(t, "0x38d7ea4c68000", dict["value"])
	assert.Equal(t, "0xd0e30db0", dict["data"])
}

func TestTransactionManagerSigner_NoHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"queued"}}`))
	}))
	defer server.Close()

	s, err := NewTransactionManagerSigner(
		&account.TransactionManagerBacked{ServiceURL: server.URL, Address: testAddress},
		nil,
	)
	require.NoError(t, err)

	res, err := s.Sign(context.Background(), newTemplate(5))
	require.NoError(t, err)
	assert.True(t, res.AutoSent)
	assert.Equal(t, common.Hash{}, res.TxHash)
}

func TestNewSigningBackend_SharesPooledClients(t *testing.T) {
	server := newEnclaveServer(t, testKey(t))
	pool := rpcClient.NewPool(nil, zap.NewNop())
	defer pool.Close()
	deps := &BackendDeps{Logger: zap.NewNop(), Clients: pool}

	first, err := NewEnclaveSigner(&account.EnclaveBacked{ServiceURL: server.URL, KeyName: "NEK:abc", Address: testAddress}, deps)
	require.NoError(t, err)
	second, err := NewEnclaveSigner(&account.EnclaveBacked{ServiceURL: server.URL, KeyName: "NEK:def", Address: testAddress}, deps)
	require.NoError(t, err)
	tm, err := NewTransactionManagerSigner(&account.TransactionManagerBacked{ServiceURL: server.URL, Address: testAddress}, deps)
	require.NoError(t, err)

	assert.Same(t, first.client, second.client)
	assert.Same(t, first.client, tm.client)
	assert.Equal(t, 1, pool.Len())

	res, err := second.Sign(context.Background(), newTemplate(1))
	require.NoError(t, err)
	assert.False(t, res.AutoSent)
}

// newEnclaveServer signs message hashes with key the way a signing enclave does.
func newEnclaveServer(t *testing.T, key *ecdsa.PrivateKey) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params enclaveSignParams `json:"params"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &req); err != nil || req.Method != "ecdsaSignMessageHash" || req.Params.Base != 16 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hash, err := hex.DecodeString(req.Params.MessageHash)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sig, err := crypto.Sign(hash, key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"signature_v":"%d","signature_r":"0x%x","signature_s":"0x%x","status":0}}`,
			req.ID, sig[64], sig[0:32], sig[32:64])
	}))
	t.Cleanup(server.Close)
	return server
}

func TestEnclaveSigner(t *testing.T) {
	key := testKey(t)
	server := newEnclaveServer(t, key)

	for _, chainID := range []int64{0, 1, 1337} {
		t.Run(fmt.Sprintf("chain %d", chainID), func(t *testing.T) {
			s, err := NewEnclaveSigner(&account.EnclaveBacked{ServiceURL: server.URL, KeyName: "NEK:abc", Address: testAddress}, &BackendDeps{Logger: zap.NewNop()})
			require.NoError(t, err)

			tmpl := newTemplate(chainID)
			res, err := s.Sign(context.Background(), tmpl)
			require.NoError(t, err)
			assert.False(t, res.AutoSent)

			sender, err := types.Sender(tmpl.Signer(), res.Tx)
			require.NoError(t, err)
			assert.Equal(t, testAddress, sender)

			expected, err := types.SignTx(newTemplate(chainID).Transaction(), tmpl.Signer(), key)
			require.NoError(t, err)
			assert.Equal(t, expected.Hash(), res.TxHash)
		})
	}
}

func TestEnclaveSigner_WrongKey(t *testing.T) {
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	server := newEnclaveServer(t, other)

	s, err := NewEnclaveSigner(&account.EnclaveBacked{ServiceURL: server.URL, KeyName: "NEK:abc", Address: testAddress}, nil)
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), newTemplate(1))
	assert.ErrorIs(t, err, ErrEnclaveSignature)
}

func TestParseSignatureV(t *testing.T) {
	v, err := parseSignatureV(json.RawMessage(`"1"`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	v, err = parseSignatureV(json.RawMessage(`28`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = parseSignatureV(json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, ErrEnclaveSignature)
	_, err = parseSignatureV(json.RawMessage(`5`))
	assert.ErrorIs(t, err, ErrEnclaveSignature)
}

type fakeWalletProvider struct {
	sent []*account.WalletTransaction
	hash common.Hash
	err  error
}

func (f *fakeWalletProvider) SendTransaction(ctx context.Context, tx *account.WalletTransaction) (common.Hash, error) {
	f.sent = append(f.sent, tx)
	return f.hash, f.err
}

func TestBrowserWalletSigner(t *testing.T) {
	provider := &fakeWalletProvider{hash: common.HexToHash("0xbeef")}
	s, err := NewBrowserWalletSigner(&account.BrowserWallet{Provider: provider, SelectedAddress: testAddress}, zap.NewNop())
	require.NoError(t, err)

	res, err := s.Sign(context.Background(), newTemplate(1))
	require.NoError(t, err)
	assert.True(t, res.AutoSent)
	assert.Equal(t, provider.hash, res.TxHash)

	require.Len(t, provider.sent, 1)
	sent := provider.sent[0]
	assert.Equal(t, testAddress.Hex(), sent.From)
	assert.Equal(t, "7", sent.Nonce)
	assert.Equal(t, "125000", sent.Gas)
	assert.Equal(t, "25000000000", sent.GasPrice)
	assert.Equal(t, "0x38d7ea4c68000", sent.Value)
	assert.Equal(t, "0xd0e30db0", sent.Data)
}

func TestBrowserWalletSigner_ProviderError(t *testing.T) {
	provider := &fakeWalletProvider{err: errors.New("user rejected")}
	s, err := NewBrowserWalletSigner(&account.BrowserWallet{Provider: provider, SelectedAddress: testAddress}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), newTemplate(1))
	assert.Error(t, err)
}

func TestRPCWalletProvider(t *testing.T) {
	var params []account.WalletTransaction
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64                      `json:"id"`
			Method string                      `json:"method"`
			Params []account.WalletTransaction `json:"params"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		params = req.Params
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":"0x%064x"}`, req.ID, 0xbeef)
	}))
	defer server.Close()

	client, err := rpcClient.New(server.URL, nil, zap.NewNop())
	require.NoError(t, err)
	provider := NewRPCWalletProvider(client)

	hash, err := provider.SendTransaction(context.Background(), WalletTransactionFromTemplate(testAddress, newTemplate(1)))
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xbeef"), hash)
	require.Len(t, params, 1)
	assert.Equal(t, "7", params[0].Nonce)
}

type fakeKMS struct {
	kmsiface.KMSAPI
	key    *ecdsa.PrivateKey
	highS  bool
	signed int
}

func (f *fakeKMS) GetPublicKey(in *kms.GetPublicKeyInput) (*kms.GetPublicKeyOutput, error) {
	pub := crypto.FromECDSAPub(&f.key.PublicKey)
	der, err := asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}},
		PublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: der}, nil
}

func (f *fakeKMS) SignWithContext(ctx aws.Context, in *kms.SignInput, opts ...request.Option) (*kms.SignOutput, error) {
	f.signed++
	sig, err := crypto.Sign(in.Message, f.key)
	if err != nil {
		return nil, err
	}
	s := new(big.Int).SetBytes(sig[32:64])
	if f.highS {
		s = new(big.Int).Sub(secp256k1N, s)
	}
	der, err := asn1.Marshal(ecdsaSignature{R: new(big.Int).SetBytes(sig[0:32]), S: s})
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{KeyId: in.KeyId, Signature: der}, nil
}

func TestAWSKMSSigner(t *testing.T) {
	for _, highS := range []bool{false, true} {
		t.Run(fmt.Sprintf("highS=%v", highS), func(t *testing.T) {
			fake := &fakeKMS{key: testKey(t), highS: highS}
			d := &account.KMSBacked{KeyID: "alias/bridge", Region: "us-east-1"}

			b, err := NewSigningBackend(d, &BackendDeps{KMS: fake})
			require.NoError(t, err)
			assert.Equal(t, account.KindKMS, b.Kind())

			resolved, err := account.Resolve(d)
			require.NoError(t, err)
			assert.Equal(t, testAddress, resolved)

			tmpl := newTemplate(1)
			res, err := b.Sign(context.Background(), tmpl)
			require.NoError(t, err)
			sender, err := types.Sender(tmpl.Signer(), res.Tx)
			require.NoError(t, err)
			assert.Equal(t, testAddress, sender)
			assert.Equal(t, 1, fake.signed)
		})
	}
}
