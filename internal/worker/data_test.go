package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyonengine/internal/task"
)

func TestRunDataCapturesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tk := task.New("d1", srv.URL)
	tk.Kind = task.KindData
	tk.Data = &task.DataSpec{}

	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}
	out := RunData(context.Background(), deps, ctrl, tk)

	require.Equal(t, task.StatusComplete, out.Status)
	require.Equal(t, `{"ok":true}`, out.ResponseBody)
	require.Equal(t, "application/json", out.MimeType)
	require.Equal(t, "utf-8", out.Charset)
	require.Equal(t, http.StatusOK, out.HTTPCode)
}

func TestRunDataPropagatesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tk := task.New("d2", srv.URL)
	tk.Kind = task.KindData
	tk.Data = &task.DataSpec{}

	deps := testDeps()
	ctrl := Control{Cancel: make(chan struct{}), Pause: make(chan struct{})}
	out := RunData(context.Background(), deps, ctrl, tk)

	require.Equal(t, task.StatusNotFound, out.Status)
	require.True(t, out.Err.IsNotFound())
}
