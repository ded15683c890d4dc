package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"imgate/internal/domain"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS keeps blobs as objects named by their locator.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs blob: bucket not set")
	}
	opts := []option.ClientOption{storage.WithDisabledClientMetrics()}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewGRPCClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs blob: failed in creating storage client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GCS) Fetch(ctx context.Context, locator string) ([]byte, error) {
	c, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(c.String()).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, locator)
	}
	if err != nil {
		return nil, unavailable("gcs read", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, unavailable("gcs read", err)
	}
	return data, nil
}

func (g *GCS) Put(ctx context.Context, name string, data []byte) (string, error) {
	locator, err := Locator(data)
	if err != nil {
		return "", err
	}
	w := g.bucket.Object(locator).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{"filename": name}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", unavailable("gcs write", err)
	}
	if err := w.Close(); err != nil {
		return "", unavailable("gcs write", err)
	}
	return locator, nil
}
