package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
)

func mkUploadTask(url, sourcePath string) *task.Task {
	tk := task.New("u1", url)
	tk.Kind = task.KindUpload
	tk.Upload = &task.UploadSpec{SourcePath: sourcePath}
	return tk
}

func TestRunUploadStreamsFileWithDefaultDisposition(t *testing.T) {
	var gotDisposition string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDisposition = r.Header.Get("Content-Disposition")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("binary-payload"), 0o644))

	tk := mkUploadTask(srv.URL, src)
	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}

	out := RunUpload(context.Background(), deps, ctrl, tk)
	require.Equal(t, task.StatusComplete, out.Status)
	require.Contains(t, gotDisposition, `filename="payload.bin"`)
	require.Equal(t, "binary-payload", string(gotBody))
}

func TestRunUploadSuppressesDispositionWhenHeaderEmpty(t *testing.T) {
	var gotDisposition string
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDisposition, sawHeader = r.Header.Get("Content-Disposition"), len(r.Header["Content-Disposition"]) > 0
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	tk := mkUploadTask(srv.URL, src)
	tk.Headers.Set("Content-Disposition", "")
	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}

	out := RunUpload(context.Background(), deps, ctrl, tk)
	require.Equal(t, task.StatusComplete, out.Status)
	_ = gotDisposition
	require.False(t, sawHeader)
}

func TestRunMultipartUploadWritesFieldsAndFiles(t *testing.T) {
	var gotFormValue, gotFileName string
	var gotFileContent []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFormValue = r.FormValue("caption")
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		gotFileName = hdr.Filename
		gotFileContent, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b,c\n1,2,3\n"), 0o644))

	tk := task.New("m1", srv.URL)
	tk.Kind = task.KindMultipartUpload
	tk.MultipartUpload = &task.MultipartUploadSpec{
		Fields: []task.MultipartField{{Name: "caption", Value: "quarterly numbers"}},
		Files:  []task.MultipartFilePart{{FieldName: "file", FilePath: src, MimeType: "text/csv"}},
	}

	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}
	out := RunMultipartUpload(context.Background(), deps, ctrl, tk)

	require.Equal(t, task.StatusComplete, out.Status)
	require.Equal(t, "quarterly numbers", gotFormValue)
	require.Equal(t, "report.csv", gotFileName)
	require.Equal(t, "a,b,c\n1,2,3\n", string(gotFileContent))
}

func TestRunUploadPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	tk := mkUploadTask(srv.URL, src)
	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}

	out := RunUpload(context.Background(), deps, ctrl, tk)
	require.Equal(t, task.StatusFailed, out.Status)
	require.NotNil(t, out.Err)
}
