// Package blob wraps the S3-compatible object store behind presigned URLs.
// The server never proxies file bytes; clients upload and download directly.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUnavailable is returned for every operation while the object store could
// not be reached at startup. Attachments degrade; chat keeps working.
var ErrUnavailable = errors.New("object storage unavailable")

const downloadExpiry = 24 * time.Hour

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool

	AttachmentBucket string
	AvatarBucket     string

	// UploadExpiry bounds how long a presigned PUT stays valid.
	UploadExpiry time.Duration
}

// Store issues presigned upload and download URLs against MinIO (or any
// S3-compatible endpoint).
type Store struct {
	client *minio.Client
	cfg    Config
}

// Open connects to the object store and ensures both buckets exist. The
// connection is retried a few times; on final failure a degraded store is
// returned rather than an error, so the server still starts.
func Open(ctx context.Context, cfg Config) *Store {
	if cfg.Endpoint == "" {
		log.Println("blob: no endpoint configured, attachments disabled")
		return &Store{cfg: cfg}
	}

	var client *minio.Client
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = connect(ctx, cfg)
		if err == nil {
			break
		}
		log.Printf("blob: connect attempt %d: %v", attempt, err)
		client = nil
		select {
		case <-ctx.Done():
			return &Store{cfg: cfg}
		case <-time.After(time.Duration(attempt) * 2 * time.Second):
		}
	}
	if client == nil {
		log.Printf("blob: giving up on %s, attachments disabled", cfg.Endpoint)
		return &Store{cfg: cfg}
	}
	return &Store{client: client, cfg: cfg}
}

func connect(ctx context.Context, cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	for _, bucket := range []string{cfg.AttachmentBucket, cfg.AvatarBucket} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return client, nil
}

// Available reports whether the object store was reachable at startup.
func (s *Store) Available() bool {
	return s.client != nil
}

// AttachmentUploadURL presigns a PUT for a new message attachment.
func (s *Store) AttachmentUploadURL(ctx context.Context, object string) (string, error) {
	return s.presignPut(ctx, s.cfg.AttachmentBucket, object)
}

// AttachmentURL presigns a GET for an existing attachment.
func (s *Store) AttachmentURL(ctx context.Context, object string) (string, error) {
	return s.presignGet(ctx, s.cfg.AttachmentBucket, object)
}

// AvatarUploadURL presigns a PUT for a profile picture.
func (s *Store) AvatarUploadURL(ctx context.Context, object string) (string, error) {
	return s.presignPut(ctx, s.cfg.AvatarBucket, object)
}

// AvatarURL presigns a GET for a profile picture.
func (s *Store) AvatarURL(ctx context.Context, object string) (string, error) {
	return s.presignGet(ctx, s.cfg.AvatarBucket, object)
}

func (s *Store) presignPut(ctx context.Context, bucket, object string) (string, error) {
	if s.client == nil {
		return "", ErrUnavailable
	}
	expiry := s.cfg.UploadExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	u, err := s.client.PresignedPutObject(ctx, bucket, object, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put %s/%s: %w", bucket, object, err)
	}
	return u.String(), nil
}

func (s *Store) presignGet(ctx context.Context, bucket, object string) (string, error) {
	if s.client == nil {
		return "", ErrUnavailable
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, object, downloadExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s/%s: %w", bucket, object, err)
	}
	return u.String(), nil
}
