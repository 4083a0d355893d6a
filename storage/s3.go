package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3 filesystem.
type S3Options struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string

	// Endpoint overrides the S3 endpoint, e.g. for MinIO or tests.
	Endpoint string

	// PathStyle forces path-style addressing.
	PathStyle bool
}

// S3API is the subset of the S3 client used by the filesystem.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 is an S3 filesystem authenticated with a static temporary credential.
type S3 struct {
	client S3API
}

// NewS3 builds an S3 client from static credentials.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Region == "" {
		opts.Region = "us-west-2"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)))
	} else {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var customFN []func(*s3.Options)
	if opts.Endpoint != "" {
		customFN = append(customFN, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.PathStyle {
		customFN = append(customFN, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3{client: s3.NewFromConfig(cfg, customFN...)}, nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API) *S3 {
	return &S3{client: client}
}

func (f *S3) Scheme() string { return "s3" }

// Open streams s3://bucket/key.
func (f *S3) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := SplitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return out.Body, nil
}

// Write uploads data to s3://bucket/key.
func (f *S3) Write(ctx context.Context, path string, data []byte) error {
	bucket, key, err := SplitBucketKey(path)
	if err != nil {
		return err
	}
	_, err = f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (f *S3) Close() error { return nil }
