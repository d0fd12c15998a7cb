package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/csiiiv/philgeps-awards-dashboard/config"
)

// ArtifactUploader pushes finished export files to an S3-compatible object
// store and hands back a presigned download link.
type ArtifactUploader struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewArtifactUploader connects to the configured object store.
func NewArtifactUploader(cfg *config.MinioConfig) (*ArtifactUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ArtifactUploader{
		client: client,
		bucket: cfg.Bucket,
		expiry: 7 * 24 * time.Hour,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (u *ArtifactUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Upload stores a local export file under objectName and returns a
// presigned download URL.
func (u *ArtifactUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	_, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(objectName),
	})
	if err != nil {
		return "", exportError("upload", "upload artifact: %v", err)
	}
	url, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.expiry, nil)
	if err != nil {
		return "", exportError("upload", "presign artifact: %v", err)
	}
	return url.String(), nil
}

// Delete removes an artifact from the object store.
func (u *ArtifactUploader) Delete(ctx context.Context, objectName string) error {
	if err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func contentTypeFor(name string) string {
	if filepath.Ext(name) == ".csv" {
		return "text/csv"
	}
	return "application/octet-stream"
}
