package minio

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aliskhannn/thumbnailer/internal/model"
	"github.com/aliskhannn/thumbnailer/internal/storage"
)

// Storage publishes objects to an S3-compatible bucket using MinIO.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage creates a new Storage instance connected to the specified MinIO server.
// If the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Publish streams the file at path to the bucket under key with a public-read ACL.
// Publishing the same key again overwrites the object.
func (s *Storage) Publish(ctx context.Context, key, path string) error {
	_, err := s.client.FPutObject(ctx, s.bucketName, key, path, minio.PutObjectOptions{
		ContentType:  storage.DetectContentType(path),
		UserMetadata: map[string]string{"x-amz-acl": "public-read"},
	})
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", model.ErrPublish, s.bucketName, key, err)
	}

	return nil
}
