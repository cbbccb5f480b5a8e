package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// BlobStore persists uploaded images and serves them by public URL.
type BlobStore interface {
	// Put stores data under a fresh key below prefix and returns the key.
	Put(ctx context.Context, prefix string, data []byte, contentType string) (string, error)
	// Delete removes a stored object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// URL returns the public URL for a stored key.
	URL(key string) string
}

// SpacesService is a BlobStore on a DigitalOcean-Spaces-compatible S3
// endpoint.
type SpacesService struct {
	client *s3.Client
	bucket string
	region string
}

type SpacesConfig struct {
	Key    string
	Secret string
	Region string
	Bucket string
}

func NewSpacesService(spacesCfg SpacesConfig) (*SpacesService, error) {
	if spacesCfg.Key == "" || spacesCfg.Secret == "" {
		return nil, fmt.Errorf("missing spaces credentials")
	}

	endpoint := fmt.Sprintf("https://%s.digitaloceanspaces.com", spacesCfg.Region)
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			spacesCfg.Key, spacesCfg.Secret, "")),
		config.WithRegion(spacesCfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load spaces config: %w", err)
	}

	return &SpacesService{
		client: s3.NewFromConfig(cfg),
		bucket: spacesCfg.Bucket,
		region: spacesCfg.Region,
	}, nil
}

func (s *SpacesService) Put(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%s/%s", strings.Trim(prefix, "/"), uuid.NewString())

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		slog.Error("Upload failed",
			slog.String("type", "sys"),
			slog.String("key", key),
			slog.Any("error", err))
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	slog.Debug("Object uploaded",
		slog.String("type", "sys"),
		slog.String("key", key),
		slog.Int("bytes", len(data)),
		slog.Duration("took", time.Since(start)))
	return key, nil
}

func (s *SpacesService) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *SpacesService) URL(key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.%s.digitaloceanspaces.com/%s",
		s.bucket, s.region, strings.TrimPrefix(key, "/"))
}
