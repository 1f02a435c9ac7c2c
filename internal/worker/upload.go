package worker

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"tachyonengine/internal/task"
)

// countingReader wraps a reader to report bytes read so far, driving the
// ≤1/500ms + ≥0.02-delta progress gate shared with downloads (spec.md
// §4.2 "Reports progress on sent bytes").
type countingReader struct {
	r       io.Reader
	emitter *progressEmitter
	read    int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		c.emitter.maybeEmit(c.read, false)
	}
	return n, err
}

// RunUpload executes an UploadTask (binary body) to completion.
func RunUpload(ctx context.Context, deps Deps, ctrl Control, t *task.Task) Outcome {
	info, err := os.Stat(t.Upload.SourcePath)
	if err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("source file not found", err)}
	}
	size := info.Size()

	f, err := os.Open(t.Upload.SourcePath)
	if err != nil {
		return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("failed to open source file", err)}
	}
	defer f.Close()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	emitter := newProgressEmitter(deps.Pipeline, t, size)
	emitter.maybeEmit(0, true)

	body := &cancelableReader{ctx: reqCtx, r: &countingReader{r: f, emitter: emitter}, bandwidth: deps.Bandwidth, taskID: t.ID, cancelSig: ctrl.Cancel}

	req, rerr := newRequest(reqCtx, t)
	if rerr != nil {
		return Outcome{Status: task.StatusFailed, Err: asTaskError(rerr)}
	}
	req.Body = io.NopCloser(body)
	req.ContentLength = size

	if _, has := t.Headers.Get("Content-Disposition"); !has {
		req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(t.Upload.SourcePath)))
	} else if v, _ := t.Headers.Get("Content-Disposition"); v == "" {
		req.Header.Del("Content-Disposition")
	}
	if t.Upload.MimeType != "" {
		req.Header.Set("Content-Type", t.Upload.MimeType)
	}

	return doUploadRequest(deps, ctrl, t, req, emitter, size)
}

// RunMultipartUpload executes a MultipartUploadTask: each field and file
// part written per RFC 7578 in the order given, duplicate (field, file)
// pairs preserved in declaration order.
func RunMultipartUpload(ctx context.Context, deps Deps, ctrl Control, t *task.Task) Outcome {
	pr, pw := io.Pipe()
	defer pr.Close() // unblocks writeMultipartBody if the request ends early
	mw := multipart.NewWriter(pw)

	var totalSize int64
	fileSizes := make([]int64, len(t.MultipartUpload.Files))
	for i, fp := range t.MultipartUpload.Files {
		info, err := os.Stat(fp.FilePath)
		if err != nil {
			pw.Close()
			return Outcome{Status: task.StatusFailed, Err: task.FilesystemError("multipart source file not found", err)}
		}
		fileSizes[i] = info.Size()
		totalSize += info.Size()
	}

	emitter := newProgressEmitter(deps.Pipeline, t, totalSize)
	emitter.maybeEmit(0, true)

	go writeMultipartBody(mw, pw, t, emitter)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, rerr := newRequest(reqCtx, t)
	if rerr != nil {
		pr.Close()
		return Outcome{Status: task.StatusFailed, Err: asTaskError(rerr)}
	}
	req.Body = io.NopCloser(&cancelableReader{ctx: reqCtx, r: pr, bandwidth: deps.Bandwidth, taskID: t.ID, cancelSig: ctrl.Cancel})
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return doUploadRequest(deps, ctrl, t, req, emitter, totalSize)
}

// writeMultipartBody streams a multipart body into pw, closing both the
// multipart writer and the pipe when done so the reading side of the
// pipe observes EOF.
func writeMultipartBody(mw *multipart.Writer, pw *io.PipeWriter, t *task.Task, emitter *progressEmitter) {
	err := func() error {
		for _, field := range t.MultipartUpload.Fields {
			fw, err := mw.CreateFormField(field.Name)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(fw, field.Value); err != nil {
				return err
			}
		}
		var sent int64
		for _, fp := range t.MultipartUpload.Files {
			mimeType := fp.MimeType
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			header := make(textProtoHeader)
			header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, fp.FieldName, filepath.Base(fp.FilePath)))
			header.Set("Content-Type", mimeType)
			fw, err := mw.CreatePart(header.mimeHeader())
			if err != nil {
				return err
			}
			f, err := os.Open(fp.FilePath)
			if err != nil {
				return err
			}
			_, err = io.Copy(fw, &progressTap{r: f, sent: &sent, emitter: emitter})
			f.Close()
			if err != nil {
				return err
			}
		}
		return mw.Close()
	}()
	pw.CloseWithError(err)
}

// progressTap advances a shared sent counter and drives emitter.maybeEmit
// as bytes flow through a multipart file part.
type progressTap struct {
	r       io.Reader
	sent    *int64
	emitter *progressEmitter
}

func (p *progressTap) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		*p.sent += int64(n)
		p.emitter.maybeEmit(*p.sent, false)
	}
	return n, err
}

// textProtoHeader is a tiny textproto.MIMEHeader builder so CreatePart
// gets Content-Type alongside Content-Disposition (mw.CreateFormFile only
// sets a fixed octet-stream type).
type textProtoHeader map[string][]string

func (h textProtoHeader) Set(k, v string) { h[k] = []string{v} }
func (h textProtoHeader) mimeHeader() map[string][]string {
	return h
}

// cancelableReader layers cancellation polling and bandwidth shaping
// over an upload body reader, mirroring the download loop's per-chunk
// poll in download.go.
type cancelableReader struct {
	ctx       context.Context
	r         io.Reader
	bandwidth *BandwidthManager
	taskID    string
	cancelSig <-chan struct{}
}

func (c *cancelableReader) Read(p []byte) (int, error) {
	select {
	case <-c.cancelSig:
		return 0, context.Canceled
	default:
	}
	if err := c.bandwidth.Wait(c.ctx, c.taskID, len(p)); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// doUploadRequest issues req and reports the terminal outcome, with the
// server's response detail on success. Pause is not handled for uploads
// (Validate does not reject AllowPause on upload tasks, whose source file
// is not a task Body); the only suspension signal observed here is
// cancel, which surfaces as a request error once the body reader stops.
func doUploadRequest(deps Deps, ctrl Control, t *task.Task, req *http.Request, emitter *progressEmitter, size int64) Outcome {
	resp, err := deps.Client.Do(req)
	if err != nil {
		select {
		case <-ctrl.Cancel:
			deps.Pipeline.EmitProgress(t, task.ProgressCanceled, size, 0, 0)
			return Outcome{Status: task.StatusCanceled, Err: task.GeneralError("canceled by caller", nil)}
		default:
		}
		return Outcome{Status: task.StatusFailed, Err: task.ConnectionError(err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 400 {
		te := task.HTTPError(resp.StatusCode, task.Friendly(task.HTTPError(resp.StatusCode, "")))
		if te.IsNotFound() {
			return Outcome{Status: task.StatusNotFound, Err: te}
		}
		return Outcome{Status: task.StatusFailed, Err: te}
	}

	emitter.maybeEmit(size, true)
	return Outcome{Status: task.StatusComplete, FinalSize: size, HTTPCode: resp.StatusCode,
		ResponseHeaders: respHeaders, ResponseBody: string(respBody), MimeType: mimeType}
}
