package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	"eodms-api-client/internal/helpers"

	log "github.com/sirupsen/logrus"
)

var (
	activeLoggingTransports []*LoggingTransport
	transportsMu            sync.Mutex
)

// LoggingTransport appends a dump of every request and response to a file.
// Credentials are redacted; JSON and text bodies are logged in full, other
// bodies only by size.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	writer    *bufio.Writer
	mu        sync.Mutex
}

// NewLoggingTransport opens logFilePath for appending and registers the
// transport for CloseAllLoggingTransports.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	path := helpers.SanitizePath(logFilePath)
	// #nosec G304
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", path, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	lt := &LoggingTransport{Transport: transport, logFile: f, writer: bufio.NewWriter(f)}

	transportsMu.Lock()
	activeLoggingTransports = append(activeLoggingTransports, lt)
	n := len(activeLoggingTransports)
	transportsMu.Unlock()
	log.Debugf("Logging API traffic to %s (%d active log transport(s))", path, n)
	return lt, nil
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	redacted := req.Clone(req.Context())
	if redacted.Header.Get("Authorization") != "" {
		redacted.Header.Set("Authorization", "[redacted]")
	}
	// DumpRequestOut consumes the body, so only dump it when it can be replayed.
	dumpBody := req.Body == nil || req.GetBody != nil
	if dumpBody && req.GetBody != nil {
		if b, err := req.GetBody(); err == nil {
			redacted.Body = b
		}
	}
	reqDump, err := httputil.DumpRequestOut(redacted, dumpBody)
	if err != nil {
		log.WithError(err).Debug("Failed to dump API request for logging")
	} else {
		t.write(fmt.Sprintf("--- Request %s ---\n%s", started.Format(time.RFC3339), reqDump))
	}

	resp, err := t.Transport.RoundTrip(req)
	elapsed := time.Since(started)
	if err != nil {
		t.write(fmt.Sprintf("--- Response error (%v) ---\n%v", elapsed, err))
		return resp, err
	}

	header, _ := httputil.DumpResponse(resp, false)
	contentType := resp.Header.Get("Content-Type")
	if !loggableBody(contentType) {
		t.write(fmt.Sprintf("--- Response (%v) ---\n%s(%s body of %d bytes not logged)", elapsed, header, contentType, resp.ContentLength))
		return resp, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		t.write(fmt.Sprintf("--- Response (%v) ---\n%s(body read failed: %v)", elapsed, header, readErr))
		return resp, readErr
	}
	t.write(fmt.Sprintf("--- Response (%v) ---\n%s%s", elapsed, header, body))
	return resp, nil
}

func loggableBody(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

func (t *LoggingTransport) write(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport created so far.
func CloseAllLoggingTransports() {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	for _, t := range activeLoggingTransports {
		if err := t.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing API log %s: %v\n", t.logFile.Name(), err)
		}
	}
	activeLoggingTransports = nil
}
