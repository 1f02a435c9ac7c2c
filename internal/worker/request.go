package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"tachyonengine/internal/task"
)

// genericUserAgent matches the teacher's internal/core/engine.go
// constant, kept so probe responses see the same fingerprint the rest
// of the ecosystem already expects from this codebase.
const genericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// newRequest builds an *http.Request carrying the task's method,
// ordered headers, and body, applying the same baseline headers the
// teacher's newRequest sets before any task-supplied header — so a task
// header always wins over the baseline.
func newRequest(ctx context.Context, t *task.Task) (*http.Request, error) {
	var bodyReader io.Reader
	if !t.Body.Empty() {
		switch t.Body.Kind {
		case task.BodyText:
			bodyReader = strings.NewReader(t.Body.Text)
		case task.BodyBytes:
			bodyReader = bytes.NewReader(t.Body.Bytes)
		case task.BodyJSON:
			b, err := json.Marshal(t.Body.JSON)
			if err != nil {
				return nil, task.GeneralError("failed to encode JSON body", err)
			}
			bodyReader = bytes.NewReader(b)
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(t.Method), t.URL, bodyReader)
	if err != nil {
		return nil, task.URLError(fmt.Sprintf("malformed request: %v", err))
	}

	req.Header.Set("User-Agent", genericUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Connection", "keep-alive")
	if t.Body.Kind == task.BodyJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, kv := range t.Headers.Ordered() {
		req.Header.Set(kv[0], kv[1])
	}
	return req, nil
}

// ProbeResult is the metadata an initial ranged GET establishes before
// committing to a transfer plan (spec.md §4.2).
type ProbeResult struct {
	Size         int64
	Filename     string
	Status       int
	AcceptRanges bool
	ETag         string
	Weak         bool // true if ETag carries the W/ weak-validator prefix
	LastModified string
}

// probe issues a ranged GET bytes=0-0 (never a bare HEAD, since many
// CDNs reject it) to read size/filename/resumability metadata, grounded
// on the teacher's ProbeURL (internal/core/engine.go).
func probe(ctx context.Context, client *http.Client, t *task.Task, knownContentLength int64) (*ProbeResult, *task.TaskError) {
	req, err := newRequest(ctx, t)
	if err != nil {
		if te, ok := err.(*task.TaskError); ok {
			return nil, te
		}
		return nil, task.GeneralError("probe request construction failed", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, task.ConnectionError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPartialContent {
		return nil, task.HTTPError(resp.StatusCode, task.Friendly(task.HTTPError(resp.StatusCode, "")))
	}

	size := resp.ContentLength
	acceptRanges := resp.Header.Get("Accept-Ranges") == "bytes"
	if resp.StatusCode == http.StatusPartialContent {
		acceptRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if parts := strings.Split(cr, "/"); len(parts) == 2 {
				if total, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
					size = total
				}
			}
		}
	}
	if size <= 0 && knownContentLength > 0 {
		size = knownContentLength
	}

	etag := resp.Header.Get("ETag")
	weak := strings.HasPrefix(etag, "W/")

	filename := suggestFilename(resp.Header.Get("Content-Disposition"), resp.Request.URL.Path)

	return &ProbeResult{
		Size:         size,
		Filename:     filename,
		Status:       resp.StatusCode,
		AcceptRanges: acceptRanges,
		ETag:         etag,
		Weak:         weak,
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// suggestFilename resolves the filename-suggestion algorithm of spec.md
// §4.2(b): prefer RFC 5987 filename*, fall back to a bare filename=, and
// finally the URL path's base name. The teacher only consulted
// mime.ParseMediaType's bare `filename` param; the filename* branch and
// its percent-decoding is restored here since no pack dependency offers
// it.
func suggestFilename(contentDisposition, urlPath string) string {
	if contentDisposition != "" {
		if name, ok := parseFilenameStar(contentDisposition); ok {
			return name
		}
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	base := filepath.Base(urlPath)
	if base == "." || base == "/" || base == "" {
		return "unknown_file"
	}
	return base
}

// parseFilenameStar extracts filename* per RFC 5987/6266:
// filename*=UTF-8''percent%20encoded%20name. mime.ParseMediaType drops
// this parameter (its key contains "*", which it does not special-case),
// so it's parsed by hand here.
func parseFilenameStar(contentDisposition string) (string, bool) {
	parts := strings.Split(contentDisposition, ";")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(strings.ToLower(p), "filename*") {
			continue
		}
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		value := strings.TrimSpace(p[eq+1:])
		// value is charset'lang'percent-encoded-name
		segs := strings.SplitN(value, "'", 3)
		if len(segs) != 3 {
			continue
		}
		decoded, err := url.PathUnescape(segs[2])
		if err != nil {
			continue
		}
		return decoded, true
	}
	return "", false
}

// Probe exposes probe to callers outside this package (the engine facade
// resolves a "suggest" destination filename before a transfer plan is
// committed, the same ranged GET the worker itself repeats once it
// starts the real transfer).
func Probe(ctx context.Context, client *http.Client, t *task.Task, knownContentLength int64) (*ProbeResult, *task.TaskError) {
	return probe(ctx, client, t, knownContentLength)
}

// EnsureUnique exposes ensureUnique for the engine's destination resolver.
func EnsureUnique(path string, exists func(string) bool) string {
	return ensureUnique(path, exists)
}

// ensureUnique appends " (n)" before the extension until path does not
// already exist, matching the teacher's collision-avoidance behavior in
// StartDownload/CheckCollision generalized into a pure function the
// caller applies before allocating.
func ensureUnique(path string, exists func(string) bool) string {
	if !exists(path) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}
