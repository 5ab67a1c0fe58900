package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures a MinIO or other S3-compatible endpoint
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// MinioStore implements Store for MinIO and S3-compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore creates a MinIO store from an existing client.
func NewMinioStore(client *minio.Client, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: prefix}
}

// DialMinio builds a client from opts and wraps it in a MinioStore.
func DialMinio(opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewMinioStore(client, opts.Bucket, opts.Prefix), nil
}

func (s *MinioStore) key(ref Ref) string {
	return path.Join(s.prefix, string(ref))
}

// Put writes a blob under its content address.
func (s *MinioStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := ContentRef(data)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(ref), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads the blob stored under ref.
func (s *MinioStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := checkContentRef(ref); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(ref), minio.GetObjectOptions{})
	if err != nil {
		return nil, minioError(ref, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, minioError(ref, err)
	}
	return data, nil
}

func minioError(ref Ref, err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return fmt.Errorf("minio get %s: %w", ref, ErrNotFound)
	}
	return fmt.Errorf("minio get %s: %w", ref, err)
}
