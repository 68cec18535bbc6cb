package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"fileconverter/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// ErrObjectNotFound indicates the key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// S3Store moves file bytes in and out of the pipeline by opaque key.
type S3Store struct {
	client     s3iface.S3API
	bucket     string
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

func NewS3Store(cfg *config.Config) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}

	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	client := s3.New(sess)
	return &S3Store{
		client:     client,
		bucket:     cfg.S3Bucket,
		downloader: s3manager.NewDownloaderWithClient(client),
		uploader:   s3manager.NewUploaderWithClient(client),
	}, nil
}

// Put uploads data under key and returns the key.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %q to S3: %w", key, err)
	}
	return key, nil
}

// Get downloads the object stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %q from S3: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q from S3: %w", key, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for key.
func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)

	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign %q: %w", key, err)
	}
	return url, nil
}
