package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// S3 talks to an S3-compatible bucket (R2, MinIO, AWS).
type S3 struct {
	client *minio.Client
	bucket string
}

// OpenS3 connects and checks that the bucket exists.
func OpenS3(ctx context.Context, o S3Options) (*S3, error) {
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.Secure,
		Region: o.Region,
	})
	if err != nil {
		return nil, err
	}
	ok, err := client.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", o.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", o.Bucket)
	}
	return &S3{client: client, bucket: o.Bucket}, nil
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapS3Err(err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapS3Err(err)
	}
	return b, nil
}

func (s *S3) Head(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, mapS3Err(err)
	}
	return info.Size, nil
}

func (s *S3) ListPage(ctx context.Context, prefix, startAfter string, limit int) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for info := range s.client.ListObjectsIter(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: startAfter,
		MaxKeys:    limit,
	}) {
		if info.Err != nil {
			return nil, mapS3Err(info.Err)
		}
		out = append(out, ObjectInfo{Key: info.Key, Size: info.Size})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *S3) Close() error { return nil }

func mapS3Err(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == minio.NoSuchKey || (resp.StatusCode == http.StatusNotFound && resp.Code != minio.NoSuchBucket) {
		return ErrNotFound
	}
	return err
}
