package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
)

func mkDownloadTask(url string) *task.Task {
	tk := task.New("t1", url)
	tk.Kind = task.KindDownload
	tk.Download = &task.DownloadSpec{}
	return tk
}

func TestNewRequestAppliesBaselineThenTaskHeaders(t *testing.T) {
	tk := mkDownloadTask("https://example.com/f")
	tk.Headers.Set("User-Agent", "custom-agent")
	tk.Headers.Set("X-Extra", "v")

	req, err := newRequest(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, "custom-agent", req.Header.Get("User-Agent"))
	require.Equal(t, "v", req.Header.Get("X-Extra"))
	require.Equal(t, "*/*", req.Header.Get("Accept"))
}

func TestProbeReadsSizeAndETagFromRangeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/12345")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	tk := mkDownloadTask(srv.URL)
	pr, err := probe(context.Background(), srv.Client(), tk, 0)
	require.Nil(t, err)
	require.EqualValues(t, 12345, pr.Size)
	require.True(t, pr.AcceptRanges)
	require.Equal(t, `"abc123"`, pr.ETag)
	require.False(t, pr.Weak)
	require.Equal(t, "report.pdf", pr.Filename)
}

func TestProbeFallsBackToKnownContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	tk := mkDownloadTask(srv.URL)
	pr, err := probe(context.Background(), srv.Client(), tk, 99)
	require.Nil(t, err)
	require.EqualValues(t, 99, pr.Size)
}

func TestProbePropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tk := mkDownloadTask(srv.URL)
	_, err := probe(context.Background(), srv.Client(), tk, 0)
	require.NotNil(t, err)
	require.True(t, err.IsNotFound())
}

func TestSuggestFilenamePrefersFilenameStar(t *testing.T) {
	cd := `attachment; filename="fallback.txt"; filename*=UTF-8''na%C3%AFve%20report.pdf`
	require.Equal(t, "naïve report.pdf", suggestFilename(cd, "/x/y"))
}

func TestSuggestFilenameFallsBackToBareFilename(t *testing.T) {
	cd := `attachment; filename="report.pdf"`
	require.Equal(t, "report.pdf", suggestFilename(cd, "/x/y"))
}

func TestSuggestFilenameFallsBackToURLPath(t *testing.T) {
	require.Equal(t, "y", suggestFilename("", "/x/y"))
	require.Equal(t, "unknown_file", suggestFilename("", "/"))
}

func TestEnsureUniqueAppendsCounter(t *testing.T) {
	seen := map[string]bool{"/d/a.txt": true, "/d/a (1).txt": true}
	exists := func(p string) bool { return seen[p] }
	require.Equal(t, "/d/a (2).txt", ensureUnique("/d/a.txt", exists))
}

func TestEnsureUniqueReturnsOriginalWhenFree(t *testing.T) {
	require.Equal(t, "/d/a.txt", ensureUnique("/d/a.txt", func(string) bool { return false }))
}
