package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/metrics"
	"eodms-api-client/internal/models"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Custom Downloader Errors
var (
	ErrNoDescriptor = errors.New("order item has no usable download descriptor")
	ErrSizeMismatch = errors.New("remote size does not match manifest")
	ErrContentType  = errors.New("unexpected content type")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrNotReady     = errors.New("item not ready for download")
)

const (
	DefaultChunkSize = 1 << 20
	DefaultTimeout   = 60 * time.Minute
)

// DefaultAcceptContentTypes are the media types EODMS serves packaged products with.
var DefaultAcceptContentTypes = []string{
	"application/zip",
	"application/x-zip-compressed",
	"application/octet-stream",
}

// Result describes the local file produced (or found) for one target.
type Result struct {
	Path    string
	Size    int64
	Blake3  string
	Skipped bool // already present with the expected size
}

// Downloader streams products to disk with size checks.
type Downloader struct {
	Client       *http.Client
	ChunkSize    int
	AcceptTypes  []string
	ShowProgress bool
	Metrics      *metrics.Metrics
	Logger       log.FieldLogger
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, cfg models.DownloadConfig) *Downloader {
	if client == nil {
		timeout := DefaultTimeout
		if cfg.TimeoutMin > 0 {
			timeout = time.Duration(cfg.TimeoutMin) * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	d := &Downloader{
		Client:      client,
		ChunkSize:   DefaultChunkSize,
		AcceptTypes: DefaultAcceptContentTypes,
	}
	if cfg.ChunkSizeKB > 0 {
		d.ChunkSize = cfg.ChunkSizeKB * 1024
	}
	if len(cfg.AcceptContentTypes) > 0 {
		d.AcceptTypes = cfg.AcceptContentTypes
	}
	return d
}

func (d *Downloader) logger() log.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.StandardLogger()
}

// LocalPath is where target is stored under outDir.
func LocalPath(outDir string, target models.DownloadTarget) string {
	if target.LocalPath != "" {
		return target.LocalPath
	}
	return filepath.Join(outDir, localName(target))
}

// checkExisting reports whether path already holds a complete copy. A file of
// the wrong size is removed so it can be fetched again. With no expected size
// an existing file is kept, since transfers only ever rename complete files
// into place.
func (d *Downloader) checkExisting(path string, expected int64) (bool, error) {
	size, ok := helpers.FileSize(path)
	if !ok {
		return false, nil
	}
	if expected <= 0 {
		d.logger().Debugf("Local file exists and remote size is unknown, keeping %s", path)
		return true, nil
	}
	if size == expected {
		d.logger().Debugf("Local file exists: %s", path)
		return true, nil
	}
	d.logger().Warnf("Filesize mismatch with %s (have %d, want %d). Re-downloading...", filepath.Base(path), size, expected)
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("%w: removing stale file %s: %w", ErrFileSystem, path, err)
	}
	return false, nil
}

// acceptable reports whether the response carries a package media type.
// A missing Content-Type is let through.
func (d *Downloader) acceptable(header string) bool {
	if header == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return helpers.StringSliceContains(d.AcceptTypes, mediaType)
}

// Fetch downloads target into outDir unless a file of the expected size is
// already there. The body is written to a temporary file and renamed into
// place once its size and digest are known.
func (d *Downloader) Fetch(ctx context.Context, target models.DownloadTarget, outDir string) (Result, error) {
	finalPath := LocalPath(outDir, target)
	res := Result{Path: finalPath}

	exists, err := d.checkExisting(finalPath, target.Size)
	if err != nil {
		d.Metrics.ObserveDownload("error", 0)
		return res, err
	}
	if exists {
		res.Size, _ = helpers.FileSize(finalPath)
		res.Skipped = true
		d.Metrics.ObserveDownload("skipped", 0)
		return res, nil
	}

	res, err = d.transfer(ctx, target, finalPath)
	if err != nil {
		d.Metrics.ObserveDownload("error", 0)
		return res, err
	}
	d.Metrics.ObserveDownload("downloaded", res.Size)
	return res, nil
}

func (d *Downloader) transfer(ctx context.Context, target models.DownloadTarget, finalPath string) (Result, error) {
	res := Result{Path: finalPath}
	dir := filepath.Dir(finalPath)
	if !helpers.CheckAndMakeDir(dir) {
		return res, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return res, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, target.URL, err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return res, fmt.Errorf("%w: performing request for %s: %w", ErrHttpRequest, target.URL, err)
	}
	defer resp.Body.Close()

	name := filepath.Base(finalPath)
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("%w: HTTP-%d %s for %s", ErrHttpStatus, resp.StatusCode, http.StatusText(resp.StatusCode), name)
	}
	if ct := resp.Header.Get("Content-Type"); !d.acceptable(ct) {
		return res, fmt.Errorf("%w: %q for %s; the product may have been repackaged and need to be reordered", ErrContentType, ct, name)
	}
	if resp.ContentLength >= 0 && target.Size > 0 && resp.ContentLength < target.Size {
		return res, fmt.Errorf("%w: remote size %d is smaller than manifest size %d for %s; you may have to resubmit your order",
			ErrSizeMismatch, resp.ContentLength, target.Size, name)
	}

	tempFile, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return res, fmt.Errorf("%w: creating temporary file for %s: %w", ErrFileSystem, finalPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				d.logger().WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	total := target.Size
	if total <= 0 {
		total = resp.ContentLength
	}
	var writer *uilive.Writer
	if d.ShowProgress {
		writer = uilive.New()
		writer.Start()
		defer writer.Stop()
	}

	hasher := blake3.New()
	counter := &helpers.CounterWriter{Writer: io.MultiWriter(tempFile, hasher)}
	if writer != nil {
		counter.OnWrite = func(written uint64) {
			fmt.Fprintf(writer, "%s: %s / %s\n", name, helpers.BytesToSize(written), helpers.BytesToSize(uint64(max(total, 0))))
		}
	}

	d.logger().Infof("Downloading %s (%s)", name, helpers.BytesToSize(uint64(max(total, 0))))
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if _, err := io.CopyBuffer(counter, resp.Body, make([]byte, chunk)); err != nil {
		_ = tempFile.Close()
		return res, fmt.Errorf("writing %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return res, fmt.Errorf("%w: closing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}

	written := int64(counter.Total)
	if target.Size > 0 && written != target.Size {
		return res, fmt.Errorf("%w: received %d bytes, manifest says %d for %s", ErrSizeMismatch, written, target.Size, name)
	}
	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return res, fmt.Errorf("%w: renaming temporary file %s to %s: %w", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false

	res.Size = written
	res.Blake3 = hex.EncodeToString(hasher.Sum(nil))
	d.logger().Infof("Saved %s", finalPath)
	return res, nil
}

// DownloadThumbnail saves the image at rawURL into dir, named after the last
// path segment of the URL, and returns the full path. Existing files are kept.
func (d *Downloader) DownloadThumbnail(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parsing thumbnail URL %s: %w", ErrHttpRequest, rawURL, err)
	}
	baseName := path.Base(u.Path)
	if baseName == "." || baseName == "/" || baseName == "" {
		baseName = "thumbnail.jpg"
	}
	finalPath := filepath.Join(dir, baseName)
	if _, ok := helpers.FileSize(finalPath); ok {
		return finalPath, nil
	}
	if !helpers.CheckAndMakeDir(dir) {
		return "", fmt.Errorf("%w: failed to create thumbnail directory %s", ErrFileSystem, dir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating thumbnail request for %s: %w", ErrHttpRequest, rawURL, err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing thumbnail request for %s: %w", ErrHttpRequest, rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: received status %d for thumbnail %s", ErrHttpStatus, resp.StatusCode, rawURL)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: %q for thumbnail %s", ErrContentType, ct, rawURL)
	}

	outFile, err := os.Create(finalPath)
	if err != nil {
		return "", fmt.Errorf("%w: creating thumbnail file %s: %w", ErrFileSystem, finalPath, err)
	}
	if _, err := io.Copy(outFile, resp.Body); err != nil {
		outFile.Close()
		_ = os.Remove(finalPath)
		return "", fmt.Errorf("writing thumbnail %s: %w", finalPath, err)
	}
	if err := outFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing thumbnail file %s: %w", ErrFileSystem, finalPath, err)
	}
	return finalPath, nil
}
