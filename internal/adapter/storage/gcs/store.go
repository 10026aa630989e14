// Package gcs implements the blob store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

// Store is a GCS-backed implementation of domain.BlobStore.
type Store struct {
	client        *storage.Client
	bucket        string
	publicBaseURL string
}

// NewStore creates a GCS store for bucket. credential is either a path to a
// service account JSON file or the JSON itself; empty falls back to ambient
// credentials (GOOGLE_APPLICATION_CREDENTIALS).
func NewStore(ctx context.Context, bucket, credential, publicBaseURL string) (*Store, error) {
	var opts []option.ClientOption
	switch {
	case credential == "":
		// ambient credentials
	case strings.HasPrefix(strings.TrimSpace(credential), "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(credential)))
	default:
		opts = append(opts, option.WithCredentialsFile(credential))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	return &Store{client: client, bucket: bucket, publicBaseURL: strings.TrimSuffix(publicBaseURL, "/")}, nil
}

func (s *Store) publicURL(path string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + path
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, path)
}

// Upload writes data under path, overwriting any existing object. Overwrite
// is what makes retries idempotent: the path is derived from the job, so a
// second attempt replaces the first attempt's artifact.
func (s *Store) Upload(ctx domain.Context, path, contentType string, data []byte) (string, error) {
	obj := s.client.Bucket(s.bucket).Object(path)
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("op=blob.upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("op=blob.upload: %w", err)
	}
	return s.publicURL(path), nil
}

// Download reads the object at path.
func (s *Store) Download(ctx domain.Context, path string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("op=blob.download: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.download: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("op=blob.download: %w", err)
	}
	return data, nil
}

// SignedURL returns a V4-signed GET URL for path. When downloadName is set
// the URL forces an attachment download under that name.
func (s *Store) SignedURL(ctx domain.Context, path string, ttl time.Duration, downloadName string) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	}
	if downloadName != "" {
		opts.QueryParameters = url.Values{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", downloadName)},
		}
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(path, opts)
	if err != nil {
		return "", fmt.Errorf("op=blob.signed_url: %w", err)
	}
	return s.rewriteSigned(u)
}

// rewriteSigned swaps the signed URL's scheme and host for the public base
// URL so links work from outside the deployment's network. Path and query
// stay untouched: the V4 signature covers them, and the fronting proxy
// forwards to the provider host with the path intact.
func (s *Store) rewriteSigned(signed string) (string, error) {
	if s.publicBaseURL == "" {
		return signed, nil
	}
	base, err := url.Parse(s.publicBaseURL)
	if err != nil {
		return "", fmt.Errorf("op=blob.signed_url: parse public base url: %w", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("op=blob.signed_url: parse signed url: %w", err)
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String(), nil
}

// Delete removes the object at path. Deleting a missing object is not an
// error: retention sweeps may race each other.
func (s *Store) Delete(ctx domain.Context, path string) error {
	err := s.client.Bucket(s.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("op=blob.delete: %w", err)
	}
	return nil
}

// List returns up to limit object names under prefix. limit <= 0 lists all.
func (s *Store) List(ctx domain.Context, prefix string, limit int) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for limit <= 0 || len(names) < limit {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("op=blob.list: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// DeleteOlderThan removes every object created before the cutoff and returns
// how many were deleted. Used to sweep orphaned artifacts whose rows are gone.
func (s *Store) DeleteOlderThan(ctx domain.Context, before time.Time) (int64, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, nil)
	var deleted int64
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("op=blob.delete_older: %w", err)
		}
		if !attrs.Created.Before(before) {
			continue
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return deleted, fmt.Errorf("op=blob.delete_older: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }
