// Package objectstore serves client attachments from an S3-compatible
// bucket. It implements commbus.FileStorage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/commbus"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// filenameMeta is the user metadata key holding the original file name.
const filenameMeta = "Filename"

// Config configures a Store.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// Store reads attachments by object key.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// GetMetadata implements commbus.FileStorage.
func (s *Store) GetMetadata(ctx context.Context, fileID string) (*commbus.FileMetadata, error) {
	info, err := s.client.StatObject(ctx, s.bucket, fileID, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, commbus.NewCollaboratorError("storage", "stat", err)
	}
	name := info.UserMetadata[filenameMeta]
	if name == "" {
		name = path.Base(info.Key)
	}
	return &commbus.FileMetadata{
		ID:       fileID,
		Name:     name,
		MimeType: info.ContentType,
		Size:     info.Size,
	}, nil
}

// Download implements commbus.FileStorage.
func (s *Store) Download(ctx context.Context, fileID string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, fileID, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, commbus.NewCollaboratorError("storage", "download", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, commbus.NewCollaboratorError("storage", "download", err)
	}
	return data, nil
}

// Upload stores data under fileID, recording the original file name.
func (s *Store) Upload(ctx context.Context, fileID, filename, mimeType string, data []byte) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, fileID, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  mimeType,
		UserMetadata: map[string]string{filenameMeta: filename},
	})
	if err != nil {
		return commbus.NewCollaboratorError("storage", "upload", err)
	}
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

var _ commbus.FileStorage = (*Store)(nil)
