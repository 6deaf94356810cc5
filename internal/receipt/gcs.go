package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSStorage opens a client using application default credentials
func NewGCSStorage(ctx context.Context, bucket string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStorage{client: client, bucket: client.Bucket(bucket)}, nil
}

// Upload writes the object. Without overwrite the write is conditioned on the object not existing.
func (g *GCSStorage) Upload(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error {
	obj := g.bucket.Object(path)
	if !overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return g.uploadError(path, err)
	}
	if err := w.Close(); err != nil {
		return g.uploadError(path, err)
	}
	return nil
}

func (g *GCSStorage) uploadError(path string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%s: %w", path, ErrObjectExists)
	}
	return fmt.Errorf("writing object %s: %w", path, err)
}

// Close closes the storage client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}
