package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Uploader puts artifacts into an S3-compatible bucket and hands back a
// presigned download link.
type S3Uploader struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

func NewS3Uploader(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Uploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
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
	return &S3Uploader{client: client, bucket: bucket, expiry: 24 * time.Hour}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, result *Result) (string, error) {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)),
		minio.PutObjectOptions{ContentType: result.MimeType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	link, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return link.String(), nil
}
