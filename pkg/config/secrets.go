package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretGetter is the part of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient builds a Secrets Manager client from the default AWS credential chain.
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

// ResolveDSN returns the configured DSN, or reads it from the secret named by
// SecretID. The secret holds either the DSN itself or a JSON object with a "dsn" key.
func ResolveDSN(ctx context.Context, db DatabaseConfig, secrets SecretGetter) (string, error) {
	if db.SecretID == "" {
		return db.DSN, nil
	}
	if secrets == nil {
		return "", fmt.Errorf("database secret %s configured without a secrets client", db.SecretID)
	}

	out, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(db.SecretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read database secret: %w", err)
	}
	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if strings.HasPrefix(value, "{") {
		var payload struct {
			DSN string `json:"dsn"`
		}
		if err := json.Unmarshal([]byte(value), &payload); err != nil {
			return "", fmt.Errorf("failed to decode database secret: %w", err)
		}
		value = payload.DSN
	}
	if value == "" {
		return "", fmt.Errorf("database secret %s is empty", db.SecretID)
	}
	return value, nil
}
