package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"eodms-api-client/internal/auth"
	"eodms-api-client/internal/helpers"
	"eodms-api-client/internal/models"

	"github.com/google/uuid"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
)

const (
	DDSItemPath             = "/dds/v1/item/"
	DefaultPollInterval     = 5 * time.Second
	DefaultMaxPolls         = 120
	DefaultDDSConcurrency   = 4
	defaultDDSStatusTimeout = 30 * time.Second
)

// ddsItem is the item descriptor; DownloadURL stays empty until the product
// has been staged.
type ddsItem struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
}

// DDSChannel downloads granules addressed by UUID through the token
// authenticated distribution service. Item lookups go through Client, which
// carries the bearer token; the staged download URLs are fetched by
// Downloader without credentials.
type DDSChannel struct {
	BaseURL      string
	Client       *http.Client
	Downloader   *Downloader
	PollInterval time.Duration
	MaxPolls     int
	Concurrency  int
	ShowProgress bool
	Recorder     Recorder // optional
	Mirror       Mirror   // optional
	Logger       log.FieldLogger
}

// NewDDSChannel wires a channel whose item lookups are authorized by tokens.
// A 401 on a lookup makes the transport refresh the token once and replay.
func NewDDSChannel(baseURL string, tokens auth.TokenSource, base http.RoundTripper, dl *Downloader, cfg models.DDSConfig) *DDSChannel {
	ch := &DDSChannel{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Transport: &auth.BearerTransport{Source: tokens, Base: base},
			Timeout:   defaultDDSStatusTimeout,
		},
		Downloader:   dl,
		PollInterval: DefaultPollInterval,
		MaxPolls:     DefaultMaxPolls,
		Concurrency:  DefaultDDSConcurrency,
	}
	if cfg.PollIntervalSec > 0 {
		ch.PollInterval = time.Duration(cfg.PollIntervalSec) * time.Second
	}
	if cfg.MaxPolls > 0 {
		ch.MaxPolls = cfg.MaxPolls
	}
	if cfg.Concurrency > 0 {
		ch.Concurrency = cfg.Concurrency
	}
	return ch
}

func (ch *DDSChannel) logger() log.FieldLogger {
	if ch.Logger != nil {
		return ch.Logger
	}
	return log.StandardLogger()
}

type ddsOutcome struct {
	uuid string
	res  Result
	err  error
}

// Download fetches the granules named by uuids into outDir on a bounded
// worker pool. The returned paths are in completion order, not input order,
// and only include files present on disk afterwards. Malformed UUIDs are
// rejected before any request is made.
func (ch *DDSChannel) Download(ctx context.Context, collection string, uuids []string, outDir string) ([]string, error) {
	paths := []string{}
	if len(uuids) == 0 {
		ch.logger().Warn("No UUIDs provided - no action taken")
		return paths, nil
	}
	ids := make([]string, 0, len(uuids))
	var bad []string
	for _, raw := range uuids {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			bad = append(bad, raw)
			continue
		}
		ids = append(ids, id.String())
	}
	if len(bad) > 0 {
		return paths, fmt.Errorf("invalid granule UUID(s): %s", strings.Join(bad, ", "))
	}

	workers := ch.Concurrency
	if workers <= 0 {
		workers = DefaultDDSConcurrency
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	var writer *uilive.Writer
	if ch.ShowProgress {
		writer = uilive.New()
		writer.Start()
		defer writer.Stop()
	}

	jobs := make(chan string, len(ids))
	outcomes := make(chan ddsOutcome, len(ids))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				res, err := ch.fetchOne(ctx, collection, id, outDir)
				outcomes <- ddsOutcome{uuid: id, res: res, err: err}
			}
		}()
	}
	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	done, failed := 0, 0
	for out := range outcomes {
		done++
		if out.err != nil {
			failed++
			ch.logger().WithError(out.err).Errorf("Granule %s failed", out.uuid)
		} else if _, ok := helpers.FileSize(out.res.Path); ok {
			paths = append(paths, out.res.Path)
		}
		if writer != nil {
			fmt.Fprintf(writer, "Granules: %d/%d done, %d failed\n", done, len(ids), failed)
		}
	}
	ch.logger().Infof("%d/%d granules exist locally after latest download", len(paths), len(ids))
	if err := ctx.Err(); err != nil {
		return paths, err
	}
	return paths, nil
}

func (ch *DDSChannel) fetchOne(ctx context.Context, collection, id, outDir string) (Result, error) {
	downloadURL, err := ch.waitForURL(ctx, collection, id)
	if err != nil {
		return Result{}, err
	}
	size, err := ch.remoteSize(ctx, downloadURL)
	if err != nil {
		return Result{}, err
	}

	target := models.DownloadTarget{URL: downloadURL, Size: size}
	target.LocalPath = LocalPath(outDir, target)
	res, err := ch.Downloader.Fetch(ctx, target, outDir)
	if err != nil {
		ch.record(target, id, res, false, err)
		return res, err
	}
	if target.Size == 0 {
		target.Size = res.Size
	}
	mirrored := false
	if ch.Mirror != nil {
		if err := ch.Mirror.Upload(ctx, res.Path); err != nil {
			ch.logger().WithError(err).Warnf("Failed to mirror %s", res.Path)
		} else {
			mirrored = true
		}
	}
	ch.record(target, id, res, mirrored, nil)
	return res, nil
}

// waitForURL polls the item descriptor until the service reports a download
// URL, giving up after MaxPolls lookups.
func (ch *DDSChannel) waitForURL(ctx context.Context, collection, id string) (string, error) {
	itemURL := ch.BaseURL + DDSItemPath + url.PathEscape(collection) + "/" + id
	polls := ch.MaxPolls
	if polls <= 0 {
		polls = DefaultMaxPolls
	}
	for attempt := 1; attempt <= polls; attempt++ {
		item, err := ch.lookup(ctx, itemURL)
		if err != nil {
			return "", err
		}
		if item.DownloadURL != "" {
			return item.DownloadURL, nil
		}
		ch.logger().Debugf("Granule %s not staged yet (status %q), poll %d/%d", id, item.Status, attempt, polls)
		if attempt == polls {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(ch.PollInterval):
		}
	}
	return "", fmt.Errorf("%w: granule %s has no download URL after %d polls", ErrNotReady, id, polls)
}

func (ch *DDSChannel) lookup(ctx context.Context, itemURL string) (ddsItem, error) {
	var item ddsItem
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL, nil)
	if err != nil {
		return item, fmt.Errorf("%w: creating item request for %s: %w", ErrHttpRequest, itemURL, err)
	}
	resp, err := ch.Client.Do(req)
	if err != nil {
		return item, fmt.Errorf("%w: performing item request for %s: %w", ErrHttpRequest, itemURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return item, fmt.Errorf("reading item response for %s: %w", itemURL, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return item, fmt.Errorf("%w: HTTP-%d %s for %s", ErrHttpStatus, resp.StatusCode, http.StatusText(resp.StatusCode), itemURL)
	}
	if err := json.Unmarshal(body, &item); err != nil {
		return item, fmt.Errorf("decoding item response for %s: %w", itemURL, err)
	}
	return item, nil
}

// remoteSize asks the staged URL for its length. Zero means unknown.
func (ch *DDSChannel) remoteSize(ctx context.Context, downloadURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: creating HEAD request for %s: %w", ErrHttpRequest, downloadURL, err)
	}
	resp, err := ch.Downloader.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: performing HEAD request for %s: %w", ErrHttpRequest, downloadURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP-%d %s on HEAD %s", ErrHttpStatus, resp.StatusCode, http.StatusText(resp.StatusCode), downloadURL)
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

func (ch *DDSChannel) record(target models.DownloadTarget, id string, res Result, mirrored bool, fetchErr error) {
	if ch.Recorder == nil {
		return
	}
	entry := models.DownloadEntry{
		Path:      target.LocalPath,
		URL:       target.URL,
		Size:      target.Size,
		Blake3:    res.Blake3,
		Status:    models.StatusDownloaded,
		UUID:      id,
		Mirrored:  mirrored,
		Timestamp: time.Now().Unix(),
	}
	if fetchErr != nil {
		entry.Status = models.StatusError
		entry.ErrorDetails = fetchErr.Error()
	}
	if err := ch.Recorder.PutDownload(entry); err != nil {
		ch.logger().WithError(err).Warnf("Failed to record download state for %s", entry.Path)
	}
}
