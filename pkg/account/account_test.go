package account

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress    = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

type nopWallet struct{}

func (nopWallet) SendTransaction(ctx context.Context, tx *WalletTransaction) (common.Hash, error) {
	return common.Hash{}, nil
}

func TestResolve_DirectKeyReferenceVector(t *testing.T) {
	for _, key := range []string{testPrivateKey, "0x" + testPrivateKey, " 0x" + testPrivateKey + "\n"} {
		addr, err := Resolve(NewDirectKey(key))
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(testAddress), addr)
	}
}

func TestResolve_DirectKeyIsCached(t *testing.T) {
	d := NewDirectKey(testPrivateKey)
	first, err := Resolve(d)
	require.NoError(t, err)

	d.PrivateKey = "garbage"
	second, err := Resolve(d)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_ConfiguredAddresses(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	for _, d := range []Descriptor{
		&TransactionManagerBacked{ServiceURL: "http://tm", Address: addr},
		&EnclaveBacked{ServiceURL: "https://sgx", KeyName: "NEK:1", Address: addr},
		&BrowserWallet{Provider: nopWallet{}, SelectedAddress: addr},
	} {
		got, err := Resolve(d)
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	}
}

func TestResolve_KMSRequiresResolution(t *testing.T) {
	d := &KMSBacked{KeyID: "alias/bridge"}
	_, err := Resolve(d)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	d.SetAddress(addr)
	got, err := Resolve(d)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestClassify(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	tests := []struct {
		name    string
		d       Descriptor
		want    Kind
		wantErr bool
	}{
		{name: "direct", d: NewDirectKey(testPrivateKey), want: KindDirectKey},
		{name: "tm", d: &TransactionManagerBacked{ServiceURL: "http://tm", Address: addr}, want: KindTransactionManager},
		{name: "enclave", d: &EnclaveBacked{ServiceURL: "https://sgx", KeyName: "k", Address: addr}, want: KindEnclave},
		{name: "wallet", d: &BrowserWallet{Provider: nopWallet{}, SelectedAddress: addr}, want: KindBrowserWallet},
		{name: "kms", d: &KMSBacked{KeyID: "k"}, want: KindKMS},
		{name: "nil", d: nil, wantErr: true},
		{name: "typed nil", d: (*DirectKey)(nil), wantErr: true},
		{name: "empty key", d: NewDirectKey(" "), wantErr: true},
		{name: "tm without address", d: &TransactionManagerBacked{ServiceURL: "http://tm"}, wantErr: true},
		{name: "enclave without key name", d: &EnclaveBacked{ServiceURL: "https://sgx", Address: addr}, wantErr: true},
		{name: "wallet without provider", d: &BrowserWallet{SelectedAddress: addr}, wantErr: true},
		{name: "kms without key", d: &KMSBacked{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(tt.d)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
				assert.Equal(t, KindUnknown, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_MalformedKey(t *testing.T) {
	addr, err := Resolve(NewDirectKey("zz"))
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, common.Address{}, addr)
}

func TestKind_AutoSends(t *testing.T) {
	assert.True(t, KindTransactionManager.AutoSends())
	assert.True(t, KindBrowserWallet.AutoSends())
	assert.False(t, KindDirectKey.AutoSends())
	assert.False(t, KindEnclave.AutoSends())
	assert.False(t, KindKMS.AutoSends())
}

func TestConfig_Descriptor(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    Kind
		wantErr bool
	}{
		{name: "direct", cfg: Config{PrivateKey: testPrivateKey}, want: KindDirectKey},
		{name: "tm wins over key", cfg: Config{TransactionManagerURL: "http://tm", Address: testAddress, PrivateKey: testPrivateKey}, want: KindTransactionManager},
		{name: "enclave wins over key", cfg: Config{EnclaveURL: "https://sgx", EnclaveKeyName: "k", Address: testAddress, PrivateKey: testPrivateKey}, want: KindEnclave},
		{name: "key wins over kms", cfg: Config{PrivateKey: testPrivateKey, KMSKeyID: "k"}, want: KindDirectKey},
		{name: "kms", cfg: Config{KMSKeyID: "k", KMSRegion: "us-east-1"}, want: KindKMS},
		{name: "enclave url without key name", cfg: Config{EnclaveURL: "https://sgx", Address: testAddress}, wantErr: true},
		{name: "tm without address", cfg: Config{TransactionManagerURL: "http://tm"}, wantErr: true},
		{name: "malformed address", cfg: Config{TransactionManagerURL: "http://tm", Address: "0x12"}, wantErr: true},
		{name: "empty", cfg: Config{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.cfg.Descriptor()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
				return
			}
			require.NoError(t, err)
			kind, err := Classify(d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}
