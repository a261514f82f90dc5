package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store holds feature artifacts and trained model files. Keys are plain
// path strings, e.g. artifacts/gmm/{project}/{recorder}/{filename}.
type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	log        *slog.Logger
}

// New connects to the object store and makes sure the bucket exists.
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Store{
		client:     cli,
		bucketName: bucket,
		region:     region,
		log:        slog.With("service", "storage"),
	}, nil
}

// Download fetches the object at key into localPath. An already-downloaded
// file is reused; model files get pulled for every upload in their window,
// so the cache saves a lot of transfer on busy recorders.
func (s *Store) Download(ctx context.Context, key, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err == nil {
		s.log.Debug("object already exists locally", "key", key, "path", localPath)
		return localPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}

	s.log.Info("downloading object", "key", key, "path", localPath)
	if err := s.client.FGetObject(ctx, s.bucketName, key, localPath, minio.GetObjectOptions{}); err != nil {
		return "", fmt.Errorf("downloading %s: %w", key, err)
	}
	return localPath, nil
}

// Upload stores localPath at key and returns the object URI.
func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	contentType := "application/octet-stream"
	if filepath.Ext(localPath) == ".json" {
		contentType = "application/json"
	}

	_, err := s.client.FPutObject(ctx, s.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucketName, key), nil
}

// UploadAndCleanup uploads then removes the local file.
func (s *Store) UploadAndCleanup(ctx context.Context, localPath, key string) (string, error) {
	uri, err := s.Upload(ctx, localPath, key)
	if err != nil {
		return "", err
	}
	if removeErr := os.Remove(localPath); removeErr != nil {
		// upload already succeeded, only worth a warning
		s.log.Warn("failed to remove local file", "path", localPath, "error", removeErr)
	}
	return uri, nil
}

// Check pings the bucket, for health reporting.
func (s *Store) Check(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
