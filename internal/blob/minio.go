// Package blob stores archived prediction outputs in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("blob-client")

// Client uploads objects into a single bucket.
type Client struct {
	client   *minio.Client
	endpoint string
	bucket   string
	useSSL   bool

	mu      sync.Mutex
	ensured bool
}

// NewClient creates a client for bucket on endpoint (host[:port]). No
// network traffic happens until the first upload.
func NewClient(endpoint, bucket, accessKey, secretKey string, useSSL bool) (*Client, error) {
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("blob: endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{
		client:   client,
		endpoint: endpoint,
		bucket:   bucket,
		useSSL:   useSSL,
	}, nil
}

// Bucket returns the target bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if it doesn't exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "blob_ensure_bucket")
	defer span.End()
	span.SetAttributes(attribute.String("blob.bucket", c.bucket))

	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Upload stores data under key and returns the object URL. The bucket is
// created on the first successful upload path and not checked again.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "blob_upload")
	defer span.End()
	span.SetAttributes(
		attribute.String("blob.bucket", c.bucket),
		attribute.String("blob.key", key),
		attribute.Int("blob.size", len(data)),
	)

	if err := c.ensureBucketOnce(ctx); err != nil {
		return "", err
	}

	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload to bucket %s: %w", c.bucket, err)
	}

	return c.ObjectURL(key), nil
}

func (c *Client) ensureBucketOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensured {
		return nil
	}
	if err := c.EnsureBucket(ctx); err != nil {
		return err
	}
	c.ensured = true
	return nil
}

// ObjectURL returns the path-style URL of key.
func (c *Client) ObjectURL(key string) string {
	scheme := "http"
	if c.useSSL {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.endpoint,
		Path:   "/" + c.bucket + "/" + strings.TrimLeft(key, "/"),
	}
	return u.String()
}
