package txSigner

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// AWSKMSSigner implements ISigningBackend using AWS KMS
type AWSKMSSigner struct {
	kmsClient kmsiface.KMSAPI
	keyID     string
	address   common.Address
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type ecdsaSignature struct {
	R, S *big.Int
}

// NewAWSKMSSigner creates a new AWSKMSSigner for the descriptor's KMS key and region.
// This constructor establishes a connection to AWS KMS and derives the Ethereum address
// from the public key associated with the key, recording it on the descriptor.
//
// Parameters:
//   - d: The KMS descriptor naming the key ID (or ARN) and region
//
// Returns:
//   - *AWSKMSSigner: A new AWS KMS signer instance
//   - error: An error if the AWS session cannot be created or the key is invalid
func NewAWSKMSSigner(d *account.KMSBacked) (*AWSKMSSigner, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(d.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewAWSKMSSignerWithClient(d, kms.New(sess))
}

// NewAWSKMSSignerWithClient is NewAWSKMSSigner with an existing KMS client.
func NewAWSKMSSignerWithClient(d *account.KMSBacked, client kmsiface.KMSAPI) (*AWSKMSSigner, error) {
	address, err := getAddressFromKMSKey(client, d.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address from KMS key: %w", err)
	}
	d.SetAddress(address)
	return &AWSKMSSigner{
		kmsClient: client,
		keyID:     d.KeyID,
		address:   address,
	}, nil
}

// Sign hashes the template with the chain's signer and has KMS sign the hash.
func (a *AWSKMSSigner) Sign(ctx context.Context, tmpl *RawTransactionTemplate) (*SignResult, error) {
	if err := tmpl.Consume(); err != nil {
		return nil, err
	}
	tx := tmpl.Transaction()
	signer := tmpl.Signer()
	hash := signer.Hash(tx)

	signature, err := a.signHashWithKMS(ctx, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction with KMS: %w", err)
	}
	signed, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to apply signature to transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return &SignResult{Tx: signed, RawTx: raw, TxHash: signed.Hash()}, nil
}

// GetAddress returns the Ethereum address associated with this KMS key.
func (a *AWSKMSSigner) GetAddress() (common.Address, error) {
	return a.address, nil
}

func (a *AWSKMSSigner) Kind() account.Kind {
	return account.KindKMS
}

// signHashWithKMS signs a hash using AWS KMS and returns it as r || s || recoveryID
func (a *AWSKMSSigner) signHashWithKMS(ctx context.Context, hash []byte) ([]byte, error) {
	result, err := a.kmsClient.SignWithContext(ctx, &kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          hash,
		MessageType:      aws.String(kms.MessageTypeDigest),
		SigningAlgorithm: aws.String(kms.SigningAlgorithmSpecEcdsaSha256),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signing failed: %w", err)
	}

	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(result.Signature, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	// Ethereum only accepts the low-s form
	if sig.S.Cmp(secp256k1HalfN) > 0 {
		sig.S = new(big.Int).Sub(secp256k1N, sig.S)
	}

	signature := make([]byte, 65)
	copy(signature[0:32], common.LeftPadBytes(sig.R.Bytes(), 32))
	copy(signature[32:64], common.LeftPadBytes(sig.S.Bytes(), 32))

	// The recovery id is whichever of 0/1 recovers our address
	for v := 0; v < 2; v++ {
		signature[64] = byte(v)
		recovered, err := crypto.SigToPub(hash, signature)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*recovered) == a.address {
			return signature, nil
		}
	}
	return nil, fmt.Errorf("failed to determine recovery ID")
}

// getAddressFromKMSKey derives the Ethereum address from a KMS public key
func getAddressFromKMSKey(client kmsiface.KMSAPI, keyID string) (common.Address, error) {
	result, err := client.GetPublicKey(&kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	// KMS returns a DER encoded SubjectPublicKeyInfo
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(result.PublicKey, &spki); err != nil {
		return common.Address{}, fmt.Errorf("failed to decode public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(spki.PublicKey.Bytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
