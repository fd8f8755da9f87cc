package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/pkg/logger"
)

type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Client talks to AWS S3, or to any S3-compatible endpoint when
// cfg.Endpoint is set. Without static keys the default credential chain
// (env, shared config, IAM role) is used.
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*S3Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	configOptions = append(configOptions, awsConfig.WithRegion(region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.UseSSL))
			o.UsePathStyle = true
		}
	})

	signingClient := client
	if cfg.PublicEndpoint != "" {
		signingClient = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL(cfg.PublicEndpoint, cfg.UseSSL))
			o.UsePathStyle = true
		})
	}

	return &S3Client{
		client:  client,
		presign: s3.NewPresignClient(signingClient, s3.WithPresignExpires(cfg.PresignExpiry)),
		bucket:  cfg.Bucket,
	}, nil
}

func endpointURL(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

func (s *S3Client) PresignedPutURL(ctx context.Context, key, contentType string, maxSize int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if maxSize > 0 {
		input.ContentLength = aws.Int64(maxSize)
	}

	req, err := s.presign.PresignPutObject(ctx, input)
	if err != nil {
		logger.Error("s3_presign_put_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      s.bucket,
		})
		return "", err
	}
	return req.URL, nil
}

func (s *S3Client) PresignedGetURL(ctx context.Context, key, filename string, disposition Disposition) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if header := disposition.header(filename); header != "" {
		input.ResponseContentDisposition = aws.String(header)
	}

	req, err := s.presign.PresignGetObject(ctx, input)
	if err != nil {
		logger.Error("s3_presign_get_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      s.bucket,
		})
		return "", err
	}
	return req.URL, nil
}

func (s *S3Client) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		logger.Error("s3_delete_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      s.bucket,
		})
	} else {
		logger.Info("s3_delete_success", map[string]interface{}{
			"object_name": key,
			"bucket":      s.bucket,
		})
	}
	return err
}

func (s *S3Client) StatSize(ctx context.Context, key string) (int64, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return 0, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return 0, err
	}
	return aws.ToInt64(result.ContentLength), nil
}

func (s *S3Client) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return err
	}

	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed creating bucket %s: %w", s.bucket, err)
	}
	return nil
}
