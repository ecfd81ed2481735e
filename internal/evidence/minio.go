package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultBucket = "custody-evidence"

// MinIOStore keeps evidence in an S3 compatible bucket. References have the
// form s3://<bucket>/<object>.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, opts Options) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(opts.MinIOEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when evidence backend is minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.MinIOAccessKey, opts.MinIOSecretKey, ""),
		Secure: opts.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := strings.TrimSpace(opts.MinIOBucket)
	if bucket == "" {
		bucket = defaultBucket
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIOStore{client: client, bucket: bucket}, nil
}

func (s *MinIOStore) Upload(ctx context.Context, data []byte, suggestedName, mimeType string) (string, error) {
	name, err := cleanName(suggestedName)
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:    mimeType,
		SendContentMd5: true,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return "s3://" + s.bucket + "/" + name, nil
}

func (s *MinIOStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, name, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !strings.HasPrefix(ref, "s3://") || !ok || name == "" {
		return nil, fmt.Errorf("not an s3 evidence reference: %q", ref)
	}
	obj, err := s.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", name, err)
	}
	return data, nil
}
