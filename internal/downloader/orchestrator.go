package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/models"

	log "github.com/sirupsen/logrus"
)

// StatusSource lists the items of submitted orders.
type StatusSource interface {
	OrderItems(ctx context.Context, orderIDs []int) ([]models.OrderItem, error)
}

// Recorder persists the outcome of each transfer.
type Recorder interface {
	PutDownload(entry models.DownloadEntry) error
}

// Mirror copies a finished product somewhere else.
type Mirror interface {
	Upload(ctx context.Context, localPath string) error
}

// Orchestrator drives the order-based download channel: status poll, filter
// to ready items, descriptor extraction and sequential transfers.
type Orchestrator struct {
	Status     StatusSource
	Downloader *Downloader
	Recorder   Recorder // optional
	Mirror     Mirror   // optional
	Logger     log.FieldLogger
}

func (o *Orchestrator) logger() log.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.StandardLogger()
}

// Download fetches every ready item of orderIDs into outDir and returns the
// local paths that exist afterwards, in item order. Items that are not ready
// are left out silently; per-item failures are logged and recorded.
func (o *Orchestrator) Download(ctx context.Context, orderIDs []int, outDir string) ([]string, error) {
	paths := []string{}
	if len(orderIDs) == 0 {
		o.logger().Warn("No order ids provided - no action taken")
		return paths, nil
	}
	if !helpers.CheckAndMakeDir(outDir) {
		return paths, fmt.Errorf("%w: failed to create output directory %s", ErrFileSystem, outDir)
	}

	o.logger().Infof("Checking status of %d %s", len(orderIDs), helpers.Pluralize(len(orderIDs), "order"))
	items, err := o.Status.OrderItems(ctx, orderIDs)
	if err != nil {
		return paths, err
	}

	var ready []models.OrderItem
	for _, item := range items {
		if item.Status == models.ItemStatusAvailable {
			ready = append(ready, item)
		}
	}
	o.logger().Infof("%d/%d items ready for download", len(ready), len(items))

	seen := make(map[string]bool)
	for _, item := range ready {
		target, err := ExtractDescriptor(item)
		if err != nil {
			o.logger().WithError(err).Errorf("Skipping item %d of order %d", item.ItemID, item.OrderID)
			continue
		}
		target.LocalPath = LocalPath(outDir, target)

		res, err := o.Downloader.Fetch(ctx, target, outDir)
		if err != nil {
			o.record(target, res, false, err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return existing(paths), err
			}
			o.logger().WithError(err).Errorf("Download of item %d failed", target.ItemID)
			continue
		}
		o.record(target, res, o.mirror(ctx, res.Path), nil)
		if !seen[res.Path] {
			seen[res.Path] = true
			paths = append(paths, res.Path)
		}
	}

	paths = existing(paths)
	o.logger().Infof("%d/%d items exist locally after latest download", len(paths), len(items))
	return paths, nil
}

func (o *Orchestrator) record(target models.DownloadTarget, res Result, mirrored bool, fetchErr error) {
	if o.Recorder == nil {
		return
	}
	entry := models.DownloadEntry{
		Path:      target.LocalPath,
		URL:       target.URL,
		Size:      target.Size,
		Blake3:    res.Blake3,
		Status:    models.StatusDownloaded,
		OrderID:   target.OrderID,
		ItemID:    target.ItemID,
		RecordID:  target.RecordID,
		Mirrored:  mirrored,
		Timestamp: time.Now().Unix(),
	}
	if fetchErr != nil {
		entry.Status = models.StatusError
		entry.ErrorDetails = fetchErr.Error()
	}
	if err := o.Recorder.PutDownload(entry); err != nil {
		o.logger().WithError(err).Warnf("Failed to record download state for %s", entry.Path)
	}
}

func (o *Orchestrator) mirror(ctx context.Context, path string) bool {
	if o.Mirror == nil {
		return false
	}
	if err := o.Mirror.Upload(ctx, path); err != nil {
		o.logger().WithError(err).Warnf("Failed to mirror %s", path)
		return false
	}
	return true
}

// existing keeps the paths that are present on disk.
func existing(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := helpers.FileSize(p); ok {
			out = append(out, p)
		}
	}
	return out
}
