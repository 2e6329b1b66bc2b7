package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/relabs-tech/iotsetup/core/logger"
)

// S3API is the subset of the S3 client used by the S3 secret store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3 stores secrets as objects in an S3 bucket, encrypted at rest with SSE-S3
type S3 struct {
	client      S3API
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3
func NewS3(ctx context.Context, s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	opts := []func(*config.LoadOptions) error{}
	if s3Config.AWSRegion != "" {
		opts = append(opts, config.WithRegion(s3Config.AWSRegion))
	}
	if s3Config.AccessID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("S3 secret store enabled")
	return NewS3WithClient(s3.NewFromConfig(awsConfig), s3Config.AWSBucketName, s3Config.KeyPrefix), nil
}

// NewS3WithClient returns a new S3 which uses the given client
func NewS3WithClient(client S3API, bucket, keyPrefix string) *S3 {
	return &S3{client: client, bucket: bucket, baseKeyName: keyPrefix}
}

// Save uploads data into the object for name, replacing an existing object
func (s *S3) Save(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.baseKeyName + name),
		Body:                 bytes.NewReader(data),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.baseKeyName+name, err)
	}
	logger.FromContext(ctx).Debugf("stored s3://%s/%s (%d bytes)", s.bucket, s.baseKeyName+name, len(data))
	return nil
}

// Load downloads the object for name
func (s *S3) Load(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", s.baseKeyName+name, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
