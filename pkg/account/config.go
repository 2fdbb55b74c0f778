package account

import (
	"fmt"
	"strings"

	"github.com/Layr-Labs/bridge-txengine/pkg/rpcClient"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the flat form of an account as it appears in files and flags.
// Exactly one backend is chosen, in priority order: transaction manager, enclave,
// direct key, KMS.
type Config struct {
	PrivateKey            string `yaml:"privateKey"`
	TransactionManagerURL string `yaml:"transactionManagerUrl"`
	EnclaveURL            string `yaml:"enclaveUrl"`
	EnclaveKeyName        string `yaml:"enclaveKeyName"`
	KMSKeyID              string `yaml:"kmsKeyId"`
	KMSRegion             string `yaml:"kmsRegion"`
	Address               string `yaml:"address"`

	TLS *rpcClient.TLSMaterial `yaml:"-"`
}

// Descriptor converts the flat config into its descriptor variant.
func (c *Config) Descriptor() (Descriptor, error) {
	var address common.Address
	if c.Address != "" {
		if !common.IsHexAddress(c.Address) {
			return nil, fmt.Errorf("%w: malformed address %q", ErrInvalidCredential, c.Address)
		}
		address = common.HexToAddress(c.Address)
	}

	var d Descriptor
	switch {
	case c.TransactionManagerURL != "":
		d = &TransactionManagerBacked{ServiceURL: c.TransactionManagerURL, Address: address, TLS: c.TLS}
	case c.EnclaveURL != "" && c.EnclaveKeyName != "":
		d = &EnclaveBacked{ServiceURL: c.EnclaveURL, KeyName: c.EnclaveKeyName, Address: address, TLS: c.TLS}
	case strings.TrimSpace(c.PrivateKey) != "":
		d = NewDirectKey(c.PrivateKey)
	case c.KMSKeyID != "":
		d = &KMSBacked{KeyID: c.KMSKeyID, Region: c.KMSRegion}
	default:
		return nil, fmt.Errorf("%w: bad credentials information specified", ErrInvalidCredential)
	}
	if _, err := Classify(d); err != nil {
		return nil, err
	}
	return d, nil
}
