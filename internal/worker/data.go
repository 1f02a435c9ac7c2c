package worker

import (
	"context"
	"io"
	"mime"

	"tachyonengine/internal/task"
)

// maxDataResponseBody bounds the in-process capture a DataTask performs;
// unlike downloads/uploads nothing here streams to disk, so an unbounded
// read would let a hostile server exhaust memory.
const maxDataResponseBody = 32 << 20

// RunData executes a DataTask (spec.md §3): the request is issued the
// same way every other task's is, but the response body is captured
// in-process and returned as the terminal outcome instead of ever
// touching disk.
func RunData(ctx context.Context, deps Deps, ctrl Control, t *task.Task) Outcome {
	select {
	case <-ctrl.Cancel:
		return Outcome{Status: task.StatusCanceled}
	default:
	}

	req, err := newRequest(ctx, t)
	if err != nil {
		return Outcome{Status: task.StatusFailed, Err: asTaskError(err)}
	}

	resp, derr := deps.Client.Do(req)
	if derr != nil {
		return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(derr)}
	}
	defer resp.Body.Close()

	body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxDataResponseBody))
	if rerr != nil {
		return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(rerr)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	mimeType, charset := "", ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, params, perr := mime.ParseMediaType(ct); perr == nil {
			mimeType, charset = parsed, params["charset"]
		} else {
			mimeType = ct
		}
	}

	out := Outcome{
		HTTPCode:        resp.StatusCode,
		ResponseHeaders: headers,
		ResponseBody:    string(body),
		MimeType:        mimeType,
		Charset:         charset,
		FinalSize:       int64(len(body)),
	}
	if resp.StatusCode >= 400 {
		te := task.HTTPError(resp.StatusCode, task.Friendly(task.HTTPError(resp.StatusCode, "")))
		if te.IsNotFound() {
			out.Status, out.Err = task.StatusNotFound, te
			return out
		}
		out.Status, out.Err = task.StatusFailed, te
		return out
	}
	out.Status = task.StatusComplete
	return out
}
