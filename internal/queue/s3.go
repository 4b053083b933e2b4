package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
)

// S3Source keeps queued artifacts under one key prefix and published ones
// under another, both in the same bucket.
type S3Source struct {
	client          s3iface.S3API
	bucket          string
	prefix          string
	processedPrefix string
	ext             string
	log             zerolog.Logger
}

// NewS3Source creates an S3 backed source
func NewS3Source(cfg config.QueueConfig, log zerolog.Logger) (*S3Source, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}

	// MinIO and other S3 compatible stores
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newS3Source(s3.New(sess), cfg, log), nil
}

func newS3Source(client s3iface.S3API, cfg config.QueueConfig, log zerolog.Logger) *S3Source {
	ext := cfg.Extension
	if ext == "" {
		ext = ".mp4"
	}
	return &S3Source{
		client:          client,
		bucket:          cfg.S3Bucket,
		prefix:          cfg.S3Prefix,
		processedPrefix: cfg.S3ProcessedPref,
		ext:             ext,
		log:             log.With().Str("component", "queue").Str("bucket", cfg.S3Bucket).Logger(),
	}
}

// List returns queued object names (relative to the queue prefix) in key order
func (s *S3Source) List(ctx context.Context) ([]string, error) {
	return s.list(ctx, s.prefix)
}

// Processed returns normalized names found under the processed prefix
func (s *S3Source) Processed(ctx context.Context) ([]string, error) {
	names, err := s.list(ctx, s.processedPrefix)
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = normalizeProcessed(n, s.ext)
	}
	return sortedUnique(names), nil
}

func (s *S3Source) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") || !hasExt(name, s.ext) {
				continue
			}
			names = append(names, name)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
	}
	// ListObjectsV2 already returns keys in UTF-8 binary order
	return names, nil
}

// Open streams the artifact object
func (s *S3Source) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", id, err)
	}
	return out.Body, nil
}

// OpenCover looks for an image object with the same stem as the artifact
func (s *S3Source) OpenCover(ctx context.Context, id string) (io.ReadCloser, error) {
	stem := strings.TrimSuffix(id, path.Ext(id))
	for _, ext := range coverExtensions {
		out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.prefix + stem + ext),
		})
		if err == nil {
			return out.Body, nil
		}
		if !isNoSuchKey(err) {
			return nil, fmt.Errorf("failed to get cover for %s: %w", id, err)
		}
	}
	return nil, ErrNoCover
}

// MarkProcessed copies the object under the processed prefix, then deletes
// the source object. A failed delete leaves a copy in both places, which the
// processed listing still reconciles.
func (s *S3Source) MarkProcessed(ctx context.Context, id string) error {
	src := s.prefix + id
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + src)),
		Key:        aws.String(s.processedPrefix + id),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to processed: %w", id, err)
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s from queue: %w", id, err)
	}
	s.log.Debug().Str("artifact", id).Msg("artifact moved to processed")
	return nil
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
