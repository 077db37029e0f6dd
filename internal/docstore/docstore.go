// Package docstore uploads extracted documents to the document store.
package docstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// File is one document to upload.
type File struct {
	Name    string
	Content []byte
}

// Uploader stores a batch of documents and returns a URL per file name.
// There is no partial-success contract: any error fails the whole batch.
type Uploader interface {
	Upload(ctx context.Context, envelopeID string, files []File) (map[string]string, error)
}

// MinioUploader is the production Uploader, writing PDFs into a dedicated
// documents bucket.
type MinioUploader struct {
	client  *minio.Client
	bucket  string
	region  string
	baseURL string
}

// Options configures the uploader.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// BaseURL is the externally reachable prefix for stored documents.
	BaseURL string
}

// New creates a MinIO-backed uploader.
func New(opts Options) (*MinioUploader, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioUploader{
		client:  client,
		bucket:  opts.Bucket,
		region:  opts.Region,
		baseURL: opts.BaseURL,
	}, nil
}

// EnsureBucket makes sure the documents bucket exists before use.
func (u *MinioUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// Upload stores every file under <envelopeID>/<name> and returns the URL
// map. Each PDF is opened once first; a document the PDF reader cannot parse
// fails the batch before anything is written.
func (u *MinioUploader) Upload(ctx context.Context, envelopeID string, files []File) (map[string]string, error) {
	for _, f := range files {
		if err := checkPDF(f.Content); err != nil {
			return nil, fmt.Errorf("document %s: %w", f.Name, err)
		}
	}
	urls := make(map[string]string, len(files))
	for _, f := range files {
		key := fmt.Sprintf("%s/%s", envelopeID, f.Name)
		_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(f.Content), int64(len(f.Content)),
			minio.PutObjectOptions{ContentType: "application/pdf"})
		if err != nil {
			return nil, fmt.Errorf("upload document %s: %w", f.Name, err)
		}
		urls[f.Name] = fmt.Sprintf("%s/%s/%s", u.baseURL, u.bucket, key)
	}
	return urls, nil
}

func checkPDF(data []byte) error {
	if _, err := pdf.NewReader(bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("not a readable PDF: %w", err)
	}
	return nil
}
