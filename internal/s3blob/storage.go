// Package s3blob implements the blob.Store capability on MinIO/S3.
//
// S3-compatible stores have no native lease verb, so leases are modelled as
// short-lived lock objects in a dedicated lock bucket. A lock object carries
// the lease id and expiry in user metadata; an unexpired lock maps to
// blob.ErrLeaseHeld and expired locks are overwritten by the next acquirer.
package s3blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scangate/scangate/internal/blob"
)

const (
	metaLeaseID     = "Lease-Id"
	metaLeaseExpiry = "Lease-Expiry"
)

// Storage adapts a MinIO client to blob.Store.
type Storage struct {
	client     *minio.Client
	region     string
	lockBucket string
	// skipBuckets are infrastructure buckets excluded from container listings.
	skipBuckets map[string]struct{}
}

// Options configures the adapter.
type Options struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Region     string
	LockBucket string
	// SkipBuckets lists buckets that must not be scanned as intake
	// containers (lock bucket, rejected bucket, document bucket).
	SkipBuckets []string
}

// New creates a MinIO-backed Storage.
func New(opts Options) (*Storage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	skip := map[string]struct{}{opts.LockBucket: {}}
	for _, b := range opts.SkipBuckets {
		skip[b] = struct{}{}
	}
	return &Storage{
		client:      client,
		region:      opts.Region,
		lockBucket:  opts.LockBucket,
		skipBuckets: skip,
	}, nil
}

// EnsureBuckets makes sure the given buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range append([]string{s.lockBucket}, buckets...) {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *Storage) ListContainers(ctx context.Context) ([]string, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		if _, skip := s.skipBuckets[b.Name]; skip {
			continue
		}
		out = append(out, b.Name)
	}
	return out, nil
}

func (s *Storage) ListObjects(ctx context.Context, container string) ([]blob.ObjectInfo, error) {
	var out []blob.ObjectInfo
	for obj := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects in %s: %w", container, mapErr(obj.Err))
		}
		out = append(out, blob.ObjectInfo{
			Name:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

func (s *Storage) Open(ctx context.Context, container, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, container, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", container, name, mapErr(err))
	}
	// GetObject is lazy; force the first read so missing objects surface here.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat object %s/%s: %w", container, name, mapErr(err))
	}
	return obj, nil
}

func (s *Storage) Stat(ctx context.Context, container, name string) (blob.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, container, name, minio.StatObjectOptions{})
	if err != nil {
		return blob.ObjectInfo{}, fmt.Errorf("stat object %s/%s: %w", container, name, mapErr(err))
	}
	return blob.ObjectInfo{Name: name, Size: info.Size, LastModified: info.LastModified}, nil
}

func (s *Storage) Delete(ctx context.Context, container, name string) error {
	if _, err := s.client.StatObject(ctx, container, name, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("stat before delete %s/%s: %w", container, name, mapErr(err))
	}
	if err := s.client.RemoveObject(ctx, container, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s/%s: %w", container, name, mapErr(err))
	}
	return nil
}

func (s *Storage) Move(ctx context.Context, srcContainer, name, dstContainer string) error {
	src := minio.CopySrcOptions{Bucket: srcContainer, Object: name}
	dst := minio.CopyDestOptions{Bucket: dstContainer, Object: name}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("copy %s/%s to %s: %w", srcContainer, name, dstContainer, mapErr(err))
	}
	if err := s.client.RemoveObject(ctx, srcContainer, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove source %s/%s: %w", srcContainer, name, mapErr(err))
	}
	return nil
}

func (s *Storage) AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (blob.LeaseID, error) {
	if _, err := s.client.StatObject(ctx, container, name, minio.StatObjectOptions{}); err != nil {
		return "", mapErr(err)
	}
	lockKey := lockObjectKey(container, name)
	info, err := s.client.StatObject(ctx, s.lockBucket, lockKey, minio.StatObjectOptions{})
	if err == nil {
		expiry, parseErr := time.Parse(time.RFC3339Nano, info.UserMetadata[metaLeaseExpiry])
		if parseErr == nil && time.Now().UTC().Before(expiry) {
			return "", blob.ErrLeaseHeld
		}
		// Expired or unparseable lock, fall through and overwrite it.
	} else if !isNotFound(err) {
		return "", fmt.Errorf("stat lock %s: %w", lockKey, err)
	}
	id := blob.LeaseID(uuid.NewString())
	expiry := time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
	_, err = s.client.PutObject(ctx, s.lockBucket, lockKey, strings.NewReader(string(id)), int64(len(id)), minio.PutObjectOptions{
		ContentType: "text/plain",
		UserMetadata: map[string]string{
			metaLeaseID:     string(id),
			metaLeaseExpiry: expiry,
		},
	})
	if err != nil {
		return "", fmt.Errorf("write lock %s: %w", lockKey, err)
	}
	return id, nil
}

func (s *Storage) ReleaseLease(ctx context.Context, container, name string, id blob.LeaseID) error {
	lockKey := lockObjectKey(container, name)
	info, err := s.client.StatObject(ctx, s.lockBucket, lockKey, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("stat lock %s: %w", lockKey, err)
	}
	if info.UserMetadata[metaLeaseID] != string(id) {
		return blob.ErrLeaseMismatch
	}
	if err := s.client.RemoveObject(ctx, s.lockBucket, lockKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove lock %s: %w", lockKey, err)
	}
	return nil
}

func lockObjectKey(container, name string) string {
	return fmt.Sprintf("%s/%s.lock", container, name)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "NotFound"
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return blob.ErrNotFound
	}
	return err
}
