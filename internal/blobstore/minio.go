package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	minio "github.com/minio/minio-go"
)

// MinioStore is the S3-compatible Store implementation.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinio dials endpoint and ensures bucket exists, creating it if not.
func NewMinio(endpoint, accessKey, secretKey, bucket string, useTLS bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, accessKey, secretKey, useTLS)
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect: %w", err)
	}

	exists, err := client.BucketExists(bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: bucket exists check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(bucket, ""); err != nil {
			return nil, fmt.Errorf("blobstore: make bucket %q: %w", bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	obj, err := m.client.GetObjectWithContext(ctx, m.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("blobstore: get %q: %w", path, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("blobstore: read %q: %w", path, err)
	}
	if len(data) == 0 {
		if _, statErr := obj.Stat(); statErr != nil {
			if resp := minio.ToErrorResponse(statErr); resp.Code == "NoSuchKey" {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("blobstore: stat %q: %w", path, statErr)
		}
	}
	return data, true, nil
}

func (m *MinioStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := m.client.PutObjectWithContext(ctx, m.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blobstore: put %q: %w", path, err)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, path string) error {
	if err := m.client.RemoveObject(m.bucket, path); err != nil {
		return fmt.Errorf("blobstore: delete %q: %w", path, err)
	}
	return nil
}

func (m *MinioStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	done := make(chan struct{})
	defer close(done)

	deleted := 0
	for obj := range m.client.ListObjects(m.bucket, prefix, true, done) {
		if obj.Err != nil {
			return deleted, fmt.Errorf("blobstore: list prefix %q: %w", prefix, obj.Err)
		}
		if err := m.client.RemoveObject(m.bucket, obj.Key); err != nil {
			return deleted, fmt.Errorf("blobstore: delete %q: %w", obj.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

func (m *MinioStore) Close() error { return nil }
