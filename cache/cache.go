// Package cache fetches remote artifacts to a local path once and reuses them.
//
// The contract is fetch-if-absent: a destination that exists is assumed
// complete and is returned without contacting any source. A missing
// destination is streamed into a temporary sibling (dest + ".tmp"), synced,
// closed and renamed into place, so the destination either does not exist
// or holds a complete transfer. Failed fetches are not retried; calling Fetch
// again is always safe.
//
// # Sources
//
// The URL scheme selects a Source:
//   - http, https: plain GET, any 2xx status
//   - s3: s3://bucket/key through the s3 package
//   - file: a local mirror, read through the cache filesystem
//
// # Usage Example
//
//	c := cache.New(afero.NewOsFs(), logger)
//	c.Register("s3", cache.NewS3Source(s3Client))
//
//	art, err := c.Fetch(ctx, "http://www.freedos.org/download/download/fd11src.iso", "/tmp/freedos-1.1.src.iso")
//	if err != nil {
//		return err
//	}
//	if !art.Fetched {
//		logger.Info("using cached ISO")
//	}
package cache

import (
	"context"
	_ "crypto/sha256" // registers digest.Canonical
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultMaxBytes bounds a single artifact.
const DefaultMaxBytes = 2 * 1024 * 1024 * 1024

// tmpSuffix names the in-progress sibling of a destination.
const tmpSuffix = ".tmp"

// Source opens a stream for a URL. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, u *url.URL) (rc io.ReadCloser, size int64, err error)
}

// ProgressFunc is called periodically while an artifact downloads.
type ProgressFunc func(downloaded, total int64, speed float64)

// Artifact describes a cached file.
type Artifact struct {
	URL  string
	Path string

	// Fetched is true when this call transferred the file, false when an
	// existing file was reused.
	Fetched bool

	SizeBytes int64

	// Digest is computed while streaming. It is empty for reused files
	// and is never used to re-validate them.
	Digest digest.Digest

	Duration time.Duration
}

// Cache implements fetch-if-absent over a set of sources.
type Cache struct {
	fs           afero.Fs
	logger       logrus.FieldLogger
	sources      map[string]Source
	progressFunc ProgressFunc

	// MaxBytes rejects larger artifacts. Zero disables the limit.
	MaxBytes int64

	// ProgressInterval is how often download progress is logged.
	ProgressInterval time.Duration
}

// New creates a Cache on fs with the http, https and file sources
// registered.
func New(fs afero.Fs, logger logrus.FieldLogger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Cache{
		fs:               fs,
		logger:           logger.WithField("component", "resource-cache"),
		sources:          make(map[string]Source),
		MaxBytes:         DefaultMaxBytes,
		ProgressInterval: 5 * time.Second,
	}
	httpSrc := NewHTTPSource(nil)
	c.Register("http", httpSrc)
	c.Register("https", httpSrc)
	c.Register("file", NewFileSource(fs))
	return c
}

// Register installs src for scheme, replacing any previous source.
func (c *Cache) Register(scheme string, src Source) {
	c.sources[strings.ToLower(scheme)] = src
}

// SetProgressFunc sets a callback for download progress.
func (c *Cache) SetProgressFunc(fn ProgressFunc) {
	c.progressFunc = fn
}

// Fetch makes sure dest holds the artifact at rawURL.
func (c *Cache) Fetch(ctx context.Context, rawURL, dest string) (*Artifact, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"url":  rawURL,
		"dest": dest,
	})

	if info, err := c.fs.Stat(dest); err == nil {
		logger.Info("artifact already present, skipping fetch")
		return &Artifact{URL: rawURL, Path: dest, SizeBytes: info.Size()}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &FetchError{URL: rawURL, Dest: dest, Err: fmt.Errorf("failed to stat destination: %w", err)}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Dest: dest, Err: fmt.Errorf("invalid URL: %w", err)}
	}
	src, ok := c.sources[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &FetchError{URL: rawURL, Dest: dest, Err: fmt.Errorf("unsupported URL scheme %q", u.Scheme)}
	}

	start := time.Now()
	logger.Info("fetching artifact")

	art, err := c.fetch(ctx, src, u, dest, logger)
	if err != nil {
		logger.WithError(err).Error("fetch failed")
		return nil, &FetchError{URL: rawURL, Dest: dest, Err: err}
	}
	art.URL = rawURL
	art.Duration = time.Since(start)

	logger.WithFields(logrus.Fields{
		"size":        art.SizeBytes,
		"digest":      art.Digest.String(),
		"duration_ms": art.Duration.Milliseconds(),
	}).Info("artifact fetched")
	return art, nil
}

func (c *Cache) fetch(ctx context.Context, src Source, u *url.URL, dest string, logger logrus.FieldLogger) (*Artifact, error) {
	rc, size, err := src.Open(ctx, u)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if c.MaxBytes > 0 && size > c.MaxBytes {
		return nil, fmt.Errorf("artifact too large: %d bytes (max %d)", size, c.MaxBytes)
	}

	if err := c.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpPath := dest + tmpSuffix
	tmpFile, err := c.fs.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	closed := false
	renamed := false
	defer func() {
		if !closed {
			tmpFile.Close()
		}
		if !renamed {
			c.fs.Remove(tmpPath)
		}
	}()

	digester := digest.Canonical.Digester()
	meter := newTransferMeter(ctxReader{ctx: ctx, r: rc}, logger, c.progressFunc, size, c.ProgressInterval)
	var body io.Reader = meter
	if c.MaxBytes > 0 {
		body = io.LimitReader(body, c.MaxBytes+1)
	}

	written, err := io.Copy(io.MultiWriter(tmpFile, digester.Hash()), body)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	if c.MaxBytes > 0 && written > c.MaxBytes {
		return nil, fmt.Errorf("artifact too large: more than %d bytes", c.MaxBytes)
	}
	if size >= 0 && written != size {
		return nil, fmt.Errorf("short transfer: got %d of %d bytes", written, size)
	}

	meter.finish()

	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	closed = true
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := c.fs.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("failed to move file to destination: %w", err)
	}
	renamed = true

	return &Artifact{
		Path:      dest,
		Fetched:   true,
		SizeBytes: written,
		Digest:    digester.Digest(),
	}, nil
}

// ctxReader stops a copy once ctx is done, for sources whose streams ignore
// cancellation.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// FetchError is returned when an artifact cannot be fetched.
type FetchError struct {
	URL  string
	Dest string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s to %s: %v", e.URL, e.Dest, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
