package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/ports"
)

// deleteBatchSize is the S3 DeleteObjects per-request cap.
const deleteBatchSize = 1000

// MetadataCategory and MetadataThreadID are the object metadata keys tagging
// every stored artifact.
const (
	MetadataCategory = "category"
	MetadataThreadID = "thread_id"
)

// S3Store keeps tool-produced artifacts (plots, morphology renderings) under
// <user_id>/<object_id> keys in one bucket.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Store dials the configured S3 endpoint. A custom endpoint with
// path-style addressing supports MinIO deployments.
func NewS3Store(ctx context.Context, endpoint, region, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, meta map[string]string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// ListPrefix returns the objects under the prefix with their category and
// thread tags resolved from object metadata.
func (s *S3Store) ListPrefix(ctx context.Context, prefix string) ([]ports.StoredObject, error) {
	var objects []ports.StoredObject

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			stored := ports.StoredObject{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				stored.Size = *obj.Size
			}

			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				log.Warn().Err(err).Str("key", stored.Key).Msg("failed to read object metadata")
			} else {
				stored.ContentType = aws.ToString(head.ContentType)
				stored.Category = head.Metadata[MetadataCategory]
				stored.ThreadID = head.Metadata[MetadataThreadID]
			}
			objects = append(objects, stored)
		}
	}
	return objects, nil
}

// DeleteKeys removes the given objects in batches of at most 1000 keys and
// returns the number deleted. Used for the thread purge; the caller tolerates
// a partial delete.
func (s *S3Store) DeleteKeys(ctx context.Context, keys []string) (int, error) {
	identifiers := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		identifiers[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	deleted := 0
	for start := 0; start < len(identifiers); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(identifiers) {
			end = len(identifiers)
		}
		batch := identifiers[start:end]

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: batch,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete batch: %w", err)
		}
		deleted += len(batch)
	}
	return deleted, nil
}
