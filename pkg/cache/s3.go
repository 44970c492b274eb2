package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/models"
)

const expiresAtMeta = "Expires-At"

// S3Config configures the S3 compatible object store backend
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Cache stores one JSON object per key. Object stores have no per-object
// TTL, so the expiry is kept in user metadata and enforced on read.
type S3Cache struct {
	client   *minio.Client
	bucket   string
	region   string
	prefix   string
	initOnce sync.Once
	initErr  error
	now      func() time.Time
}

// NewS3Cache creates an S3 backed cache. The bucket is created on first use.
func NewS3Cache(cfg S3Config) (*S3Cache, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Cache{
		client: client,
		bucket: bucket,
		region: region,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

func (c *S3Cache) ensureBucket(ctx context.Context) error {
	c.initOnce.Do(func() {
		exists, err := c.client.BucketExists(ctx, c.bucket)
		if err != nil {
			c.initErr = err
			return
		}
		if exists {
			return
		}
		c.initErr = c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region})
	})
	return c.initErr
}

func (c *S3Cache) objectKey(key cachekey.Key) string {
	return c.prefix + key.String() + ".json"
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// Get returns the cached result for key, treating expired objects as absent
func (c *S3Cache) Get(ctx context.Context, key cachekey.Key) (*models.SimulationResult, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if err := c.ensureBucket(ctx); err != nil {
		return nil, false, fmt.Errorf("ensure bucket: %w", err)
	}

	obj, err := c.client.GetObject(ctx, c.bucket, c.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if expiresAt, ok := expiry(info.UserMetadata); ok && !c.now().Before(expiresAt) {
		// Best effort: a failed removal only leaves garbage behind
		_ = c.client.RemoveObject(ctx, c.bucket, c.objectKey(key), minio.RemoveObjectOptions{})
		return nil, false, nil
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	result, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func expiry(meta map[string]string) (time.Time, bool) {
	for k, v := range meta {
		if !strings.EqualFold(k, expiresAtMeta) {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// Put writes result as an object, recording the expiry when ttl > 0
func (c *S3Cache) Put(ctx context.Context, key cachekey.Key, result *models.SimulationResult, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encode(result)
	if err != nil {
		return err
	}
	if err := c.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if ttl > 0 {
		opts.UserMetadata = map[string]string{
			expiresAtMeta: c.now().Add(ttl).UTC().Format(time.RFC3339Nano),
		}
	}

	_, err = c.client.PutObject(ctx, c.bucket, c.objectKey(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

// Delete removes the object for key
func (c *S3Cache) Delete(ctx context.Context, key cachekey.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := c.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return c.client.RemoveObject(ctx, c.bucket, c.objectKey(key), minio.RemoveObjectOptions{})
}

// Ping checks that the bucket is reachable
func (c *S3Cache) Ping(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.bucket)
	return err
}

// Close is a no-op; the minio client holds no persistent connections to release
func (c *S3Cache) Close() error {
	return nil
}
