package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/afero"

	"github.com/superfly/dosimg/s3"
)

// HTTPSource fetches http and https URLs.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource wraps client, or http.DefaultClient when nil.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client}
}

// Open issues a GET and returns the body on any 2xx status.
func (s *HTTPSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

// FileSource reads file:// URLs from a filesystem.
type FileSource struct {
	fs afero.Fs
}

// NewFileSource creates a FileSource on fs.
func NewFileSource(fs afero.Fs) *FileSource {
	return &FileSource{fs: fs}
}

// Open opens the local file named by u.
func (s *FileSource) Open(_ context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	if u.Path == "" {
		return nil, 0, fmt.Errorf("file URL has no path: %s", u)
	}
	f, err := s.fs.Open(u.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", u.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", u.Path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", u.Path)
	}
	return f, info.Size(), nil
}

// S3Source fetches s3://bucket/key URLs.
type S3Source struct {
	client *s3.Client
}

// NewS3Source adapts an S3 client to a Source.
func NewS3Source(client *s3.Client) *S3Source {
	return &S3Source{client: client}
}

// Open streams the object named by u.
func (s *S3Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	bucket, key, err := s3.ParseURL(u.String())
	if err != nil {
		return nil, 0, err
	}
	return s.client.Open(ctx, bucket, key)
}
