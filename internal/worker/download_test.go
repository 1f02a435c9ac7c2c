package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/config"
	"tachyonengine/internal/task"
	"tachyonengine/internal/update"
)

func testDeps() Deps {
	return Deps{
		Client:     http.DefaultClient,
		Bandwidth:  NewBandwidthManager(),
		Congestion: NewCongestionController(1, 8),
		Allocator:  NewAllocator(),
		Pipeline:   update.NewPipeline(nil),
		Config:     config.New(),
	}
}

func TestRunDownloadCompletesSmallFile(t *testing.T) {
	const body = "hello, world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
		if rng := r.Header.Get("Range"); rng == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/"+lenStr(body))
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(body[:1]))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	tk := mkDownloadTask(srv.URL)

	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}
	out := RunDownload(context.Background(), deps, ctrl, tk, nil, dest)

	require.Equal(t, task.StatusComplete, out.Status)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, body, string(data))
}

func TestRunDownloadCancelRemovesPartialFileWhenNotPauseCapable(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("Range") == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/1000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("x"))
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("partial-chunk-"))
		if flusher != nil {
			flusher.Flush()
		}
		<-blocked
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	tk := mkDownloadTask(srv.URL)
	tk.AllowPause = false

	deps := testDeps()
	cancel := make(chan struct{})
	ctrl := Control{Cancel: cancel, Pause: make(chan struct{})}

	close(cancel) // cancel is already signaled before the first poll
	out := RunDownload(context.Background(), deps, ctrl, tk, nil, dest)
	close(blocked)

	require.Equal(t, task.StatusCanceled, out.Status)
	_, statErr := os.Stat(dest + ".part")
	require.True(t, os.IsNotExist(statErr))
}

func TestRunDownloadCancelKeepsPartialFileWhenPauseCapable(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v1"`)
		if r.Header.Get("Range") == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/1000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("x"))
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("partial-chunk-"))
		if flusher != nil {
			flusher.Flush()
		}
		<-blocked
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	tk := mkDownloadTask(srv.URL)
	tk.AllowPause = true

	deps := testDeps()
	cancel := make(chan struct{})
	ctrl := Control{Cancel: cancel, Pause: make(chan struct{})}

	close(cancel) // cancel is already signaled before the first poll
	out := RunDownload(context.Background(), deps, ctrl, tk, nil, dest)
	close(blocked)

	require.Equal(t, task.StatusCanceled, out.Status)
	_, statErr := os.Stat(dest + ".part")
	require.NoError(t, statErr)
}

func TestRunDownloadRejectsResumeWithMismatchedValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Content-Range", "bytes 0-0/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	tk := mkDownloadTask(srv.URL)
	tk.AllowPause = true

	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}
	resume := &task.ResumeData{TaskID: tk.ID, Data: dest + ".part", RequiredStartByte: 10, Validator: `"stale"`}

	out := RunDownload(context.Background(), deps, ctrl, tk, resume, dest)
	require.Equal(t, task.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
}

func lenStr(s string) string {
	n := len(s)
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
