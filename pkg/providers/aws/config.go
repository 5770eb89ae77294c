// Package aws implements engine.ProviderQuerier on the AWS Resource Groups
// Tagging API and loads the shared AWS configuration used by the DynamoDB
// state backend.
package aws

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// SessionConfig selects the account, region and endpoint for AWS clients.
type SessionConfig struct {
	Region  string
	Profile string

	// Endpoint overrides the service endpoint (localstack, VPC endpoints).
	Endpoint string

	// AccessKeyID and SecretAccessKey, when both set, replace the default
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// AppID is appended to the SDK user agent.
	AppID string
}

// LoadConfig builds an aws.Config with SDK retries disabled; callers retry
// through the engine's policy.
func LoadConfig(ctx context.Context, cfg SessionConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	region := cfg.Region
	if region == "" {
		region = regionFromEnv()
	}
	if region == "" {
		region = "us-east-1"
	}
	opts = append(opts, config.WithRegion(region), config.WithRetryMaxAttempts(1))

	if cfg.AppID != "" {
		opts = append(opts, config.WithAppID(cfg.AppID))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("error loading AWS config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return os.Getenv("AWS_DEFAULT_REGION")
}
