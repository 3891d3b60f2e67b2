package s3

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/aliskhannn/thumbnailer/internal/model"
	"github.com/aliskhannn/thumbnailer/internal/storage"
)

// uploader is the subset of manager.Uploader used by Storage.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Options configures the AWS S3 client.
type Options struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible services
	AccessKey string // optional, default credential chain when empty
	SecretKey string
}

// Storage publishes objects to an AWS S3 bucket.
type Storage struct {
	uploader uploader
	bucket   string
}

// NewStorage builds an S3 client from the default AWS configuration chain,
// overridden by static credentials and a custom endpoint when given.
func NewStorage(ctx context.Context, opts Options) (*Storage, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(manager.NewUploader(client), opts.Bucket), nil
}

// New creates a Storage over an existing uploader.
func New(u uploader, bucket string) *Storage {
	return &Storage{uploader: u, bucket: bucket}
}

// Publish streams the file at path to the bucket under key with a public-read ACL.
func (s *Storage) Publish(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", model.ErrPublish, path, err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(storage.DetectContentType(path)),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s/%s: %w", model.ErrPublish, s.bucket, key, err)
	}

	return nil
}
