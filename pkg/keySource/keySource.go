// Package keySource loads transaction signing keys held outside the process configuration.
// A secret may hold either a hex encoded private key or an encrypted Ethereum keystore.
package keySource

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptySecret = errors.New("secret is empty")
)

// IKeySource produces a direct key account from an external store.
type IKeySource interface {
	LoadDirectKey(ctx context.Context) (*account.DirectKey, error)
}

// ParseKeyMaterial turns secret contents into a direct key account. Contents starting with "{"
// are decrypted as a keystore with the passphrase; anything else must be a 32 byte hex key.
func ParseKeyMaterial(secret string, passphrase string) (*account.DirectKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if strings.HasPrefix(secret, "{") {
		key, err := keystore.DecryptKey([]byte(secret), passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
		}
		return account.NewDirectKey(hex.EncodeToString(crypto.FromECDSA(key.PrivateKey))), nil
	}
	d := account.NewDirectKey(secret)
	if _, _, err := d.Key(); err != nil {
		return nil, err
	}
	return d, nil
}
