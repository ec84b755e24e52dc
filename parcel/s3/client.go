package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible
	// services such as MinIO, LocalStack or R2.
	Endpoint string

	// UsePathStyle enables path-style addressing. Required by LocalStack
	// and MinIO in their default setup.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey set static credentials. When empty,
	// the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates an S3 client from cfg.
//
// For LocalStack:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:          "us-east-1",
//	    Endpoint:        "http://localhost:4566",
//	    UsePathStyle:    true,
//	    AccessKeyID:     "test",
//	    SecretAccessKey: "test",
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		return nil, errors.New("s3: region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}
