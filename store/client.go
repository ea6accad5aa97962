package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// ClientConfig selects the AWS credentials and endpoint for NewClient.
type ClientConfig struct {
	// Region overrides the region from the shared config.
	Region string

	// Profile selects a shared config profile.
	Profile string

	// Endpoint points the client at DynamoDB Local or another compatible endpoint.
	Endpoint string
}

// NewClient builds a DynamoDB client from the default AWS credential chain.
// The returned client is meant to be constructed once and shared.
func NewClient(ctx context.Context, cc ClientConfig) (*dynamodb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cc.Region != "" {
		opts = append(opts, config.WithRegion(cc.Region))
	}
	if cc.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cc.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
	}), nil
}
