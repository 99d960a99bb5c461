// Package extraction unpacks zip archives with validation.
//
// FreeDOS ships its packages as zip files. The build unpacks many of them into
// one shared directory and the first archive to provide a file wins, so the
// default mode never overwrites an existing file (the behaviour of unzip -n).
//
// # Security Features
//
//   - Path traversal prevention (rejects ".." and absolute paths)
//   - Resource limits (file size, total size, file count, timeout)
//   - Dangerous permissions rejection (setuid/setgid bits)
//   - Symlinks are skipped, the FAT target cannot hold them
//
// # Usage Example
//
//	extractor := extraction.New(logger)
//
//	result, err := extractor.ExtractZip(ctx,
//		"/mnt/fd11/freedos/packages/boot/syslnxx.zip",
//		"/tmp/freedos-tmp/fdos",
//		extraction.DefaultOptions(),
//	)
//	if err != nil {
//		return err
//	}
//	log.Printf("Extracted %d files, kept %d existing", result.FilesExtracted, result.FilesSkipped)
//
// # Resource Limits
//
// Default limits (via DefaultOptions):
//   - MaxFileSize: 256MB per file
//   - MaxTotalSize: 1GB total extraction
//   - MaxFiles: 50,000 files
//   - Timeout: 10 minutes
package extraction

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// ProgressFunc receives the running totals for one archive: every 100
// files, and once more when the archive is done.
type ProgressFunc func(archive string, filesExtracted int, bytesExtracted int64)

// Extractor handles archive extraction.
type Extractor struct {
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
}

// New creates a new extractor.
func New(logger logrus.FieldLogger) *Extractor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{
		logger: logger.WithField("component", "extraction"),
	}
}

// SetProgressFunc sets a callback function for progress updates during extraction.
func (e *Extractor) SetProgressFunc(fn ProgressFunc) {
	e.progressFunc = fn
}

// ExtractionOptions configures extraction behavior.
type ExtractionOptions struct {
	// MaxFileSize is the maximum size of a single file (default: 256MB)
	MaxFileSize int64

	// MaxTotalSize is the maximum total extracted size (default: 1GB)
	MaxTotalSize int64

	// MaxFiles is the maximum number of entries (default: 50,000)
	MaxFiles int

	// Timeout is the maximum extraction time (default: 10 minutes)
	Timeout time.Duration

	// Overwrite replaces existing files. When false, existing files are
	// kept and counted in FilesSkipped.
	Overwrite bool
}

// DefaultOptions returns default extraction options.
func DefaultOptions() ExtractionOptions {
	return ExtractionOptions{
		MaxFileSize:  256 * 1024 * 1024,
		MaxTotalSize: 1024 * 1024 * 1024,
		MaxFiles:     50000,
		Timeout:      10 * time.Minute,
	}
}

// ExtractionResult contains the result of an extraction operation.
type ExtractionResult struct {
	// FilesExtracted is the number of files written
	FilesExtracted int

	// FilesSkipped is the number of files left alone because they existed
	FilesSkipped int

	// BytesExtracted is the total bytes written
	BytesExtracted int64

	// Duration is how long the extraction took
	Duration time.Duration
}

// ExtractZip extracts a zip archive into destDir.
func (e *Extractor) ExtractZip(ctx context.Context, archivePath, destDir string, opts ExtractionOptions) (*ExtractionResult, error) {
	startTime := time.Now()

	logger := e.logger.WithFields(logrus.Fields{
		"archive": archivePath,
		"dest":    destDir,
	})

	logger.Debug("starting zip extraction")

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > opts.MaxFiles {
		return nil, fmt.Errorf("file count limit exceeded: %d entries (max %d)", len(zr.File), opts.MaxFiles)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	result := &ExtractionResult{}

	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("extraction cancelled: %w", ctx.Err())
		default:
		}

		targetPath, err := sanitizePath(destDir, f.Name)
		if err != nil {
			logger.WithField("path", f.Name).Warn("skipping invalid path")
			continue
		}

		if err := validateEntry(f, opts); err != nil {
			return nil, fmt.Errorf("security validation failed for %s: %w", f.Name, err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return nil, fmt.Errorf("failed to extract directory %s: %w", f.Name, err)
			}
			continue

		case mode&os.ModeSymlink != 0:
			logger.WithField("path", f.Name).Debug("skipping symlink")
			continue

		case !mode.IsRegular():
			logger.WithFields(logrus.Fields{
				"path": f.Name,
				"mode": mode.String(),
			}).Warn("skipping unsupported file type")
			continue
		}

		if !opts.Overwrite {
			if _, err := os.Lstat(targetPath); err == nil {
				result.FilesSkipped++
				continue
			} else if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to stat %s: %w", targetPath, err)
			}
		}

		if result.BytesExtracted+int64(f.UncompressedSize64) > opts.MaxTotalSize {
			return nil, fmt.Errorf("total size limit exceeded: %d bytes", opts.MaxTotalSize)
		}

		size, err := extractFile(targetPath, f, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to extract file %s: %w", f.Name, err)
		}
		result.BytesExtracted += size
		result.FilesExtracted++

		if e.progressFunc != nil && result.FilesExtracted%100 == 0 {
			e.progressFunc(filepath.Base(archivePath), result.FilesExtracted, result.BytesExtracted)
		}
	}

	result.Duration = time.Since(startTime)

	logger.WithFields(logrus.Fields{
		"files":    result.FilesExtracted,
		"skipped":  result.FilesSkipped,
		"bytes":    result.BytesExtracted,
		"duration": result.Duration,
	}).Info("extraction completed")

	if e.progressFunc != nil {
		e.progressFunc(filepath.Base(archivePath), result.FilesExtracted, result.BytesExtracted)
	}

	return result, nil
}

// IsZip reports whether the file at path is a zip archive, judged by its
// content rather than its name.
func IsZip(path string) (bool, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to detect content type of %s: %w", path, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true, nil
		}
	}
	return false, nil
}

// sanitizePath validates an entry name and joins it to baseDir.
func sanitizePath(baseDir, name string) (string, error) {
	// Archives made on DOS sometimes use backslashes.
	name = strings.ReplaceAll(name, `\`, "/")

	cleanPath := filepath.Clean(name)

	if filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("absolute paths not allowed: %s", name)
	}

	if cleanPath == ".." || strings.HasPrefix(cleanPath, "../") || strings.Contains(cleanPath, "/../") {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}

	fullPath := filepath.Join(baseDir, cleanPath)

	if !strings.HasPrefix(fullPath, filepath.Clean(baseDir)+string(os.PathSeparator)) &&
		fullPath != filepath.Clean(baseDir) {
		return "", fmt.Errorf("path escapes base directory: %s", name)
	}

	return fullPath, nil
}

func validateEntry(f *zip.File, opts ExtractionOptions) error {
	if int64(f.UncompressedSize64) > opts.MaxFileSize {
		return fmt.Errorf("file too large: %d bytes (max %d)", f.UncompressedSize64, opts.MaxFileSize)
	}

	mode := f.Mode()
	if mode&os.ModeSetuid != 0 {
		return fmt.Errorf("setuid bit not allowed")
	}
	if mode&os.ModeSetgid != 0 {
		return fmt.Errorf("setgid bit not allowed")
	}

	return nil
}

// extractFile writes one entry. The size limit is enforced on the
// decompressed stream, not only on the header.
func extractFile(path string, f *zip.File, opts ExtractionOptions) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry: %w", err)
	}
	defer rc.Close()

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !opts.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	file, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	bufferedWriter := bufio.NewWriterSize(file, 256*1024)

	written, err := io.Copy(bufferedWriter, io.LimitReader(rc, opts.MaxFileSize+1))
	if err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	if written > opts.MaxFileSize {
		return 0, fmt.Errorf("file too large: more than %d bytes", opts.MaxFileSize)
	}

	if err := bufferedWriter.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush file buffer: %w", err)
	}

	return written, nil
}

// VerifyLayout checks that every name in required exists directly under
// root. Names are matched case-insensitively, as on FAT.
func (e *Extractor) VerifyLayout(root string, required ...string) error {
	logger := e.logger.WithField("root", root)

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", root, err)
	}
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[strings.ToLower(entry.Name())] = true
	}

	var missing []string
	for _, name := range required {
		if !present[strings.ToLower(name)] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		logger.WithField("missing", missing).Warn("layout verification failed")
		return fmt.Errorf("missing under %s: %s", root, strings.Join(missing, ", "))
	}

	logger.Debug("layout verification completed")
	return nil
}
