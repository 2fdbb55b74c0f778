package keySource

import (
	"context"
	"fmt"

	"github.com/Layr-Labs/bridge-txengine/pkg/account"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"go.uber.org/zap"
)

// AWSSecretsManagerConfig names the secret holding the key.
type AWSSecretsManagerConfig struct {
	// Region specifies the AWS region where the secret is stored
	Region string
	// SecretName is the name or ARN of the secret
	SecretName string
	// Passphrase decrypts keystore secrets
	Passphrase string
}

// AWSSecretsManagerKeySource loads a direct key from AWS Secrets Manager.
type AWSSecretsManagerKeySource struct {
	config *AWSSecretsManagerConfig
	client secretsmanageriface.SecretsManagerAPI
	logger *zap.Logger
}

// NewAWSSecretsManagerKeySource creates a key source backed by a session for the configured region.
//
// Parameters:
//   - cfg: The secret location
//   - l: Logger
//
// Returns:
//   - *AWSSecretsManagerKeySource: The key source
//   - error: An error if the AWS session cannot be created
func NewAWSSecretsManagerKeySource(cfg *AWSSecretsManagerConfig, l *zap.Logger) (*AWSSecretsManagerKeySource, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewAWSSecretsManagerKeySourceWithClient(cfg, secretsmanager.New(sess), l), nil
}

// NewAWSSecretsManagerKeySourceWithClient creates a key source over an existing client.
func NewAWSSecretsManagerKeySourceWithClient(cfg *AWSSecretsManagerConfig, client secretsmanageriface.SecretsManagerAPI, l *zap.Logger) *AWSSecretsManagerKeySource {
	return &AWSSecretsManagerKeySource{config: cfg, client: client, logger: l}
}

// LoadDirectKey fetches the current version of the secret and parses it.
func (a *AWSSecretsManagerKeySource) LoadDirectKey(ctx context.Context) (*account.DirectKey, error) {
	result, err := a.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(a.config.SecretName),
		VersionStage: aws.String("AWSCURRENT"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", a.config.SecretName, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s: %w", a.config.SecretName, ErrEmptySecret)
	}
	d, err := ParseKeyMaterial(*result.SecretString, a.config.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", a.config.SecretName, err)
	}
	_, address, _ := d.Key()
	a.logger.Sugar().Infow("loaded transaction key from AWS Secrets Manager",
		zap.String("secretName", a.config.SecretName),
		zap.String("address", address.Hex()),
	)
	return d, nil
}
