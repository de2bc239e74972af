// Copyright 2025 Piyush Sharma
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"github.com/piyushgit011/image-process/internal/config"
)

var (
	// ErrUnavailable wraps transport failures against the object store.
	ErrUnavailable = errors.New("blobstore: unavailable")
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("blobstore: not found")
)

// Store holds originals and processed artifacts. Put is idempotent on
// identical key+bytes; Get accepts a bare key or a URL returned by Put.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, keyOrURL string) ([]byte, error)
}

// S3Store implements Store against S3 or an S3-compatible endpoint.
type S3Store struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	urlPrefix  string
	log        *zap.Logger
}

// NewS3 builds a Store from the blob section of the config. A custom
// endpoint (MinIO, LocalStack) switches to path-style addressing.
func NewS3(cfg config.Blob, log *zap.Logger) (*S3Store, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	prefix := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", cfg.Bucket, cfg.Region)
	if cfg.Endpoint != "" {
		prefix = fmt.Sprintf("%s/%s/", strings.TrimSuffix(cfg.Endpoint, "/"), cfg.Bucket)
	}
	return &S3Store{
		bucket:     cfg.Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		urlPrefix:  prefix,
		log:        log,
	}, nil
}

// Ping verifies bucket access.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: head bucket: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	return s.urlPrefix + key, nil
}

func (s *S3Store) Get(ctx context.Context, keyOrURL string) ([]byte, error) {
	key := s.keyFor(keyOrURL)
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, key, err)
	}
	return data, nil
}

// keyFor strips the bucket URL prefix when a full URL is passed.
func (s *S3Store) keyFor(keyOrURL string) string {
	if !strings.Contains(keyOrURL, "://") {
		return keyOrURL
	}
	if strings.HasPrefix(keyOrURL, s.urlPrefix) {
		return strings.TrimPrefix(keyOrURL, s.urlPrefix)
	}
	u, err := url.Parse(keyOrURL)
	if err != nil {
		return keyOrURL
	}
	path := strings.TrimPrefix(u.Path, "/")
	// Path-style URLs carry the bucket as the first segment.
	if rest, ok := strings.CutPrefix(path, s.bucket+"/"); ok {
		return rest
	}
	return path
}
