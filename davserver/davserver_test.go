package davserver

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scriptsync/tmdav/changebus"
	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/watcher"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	mapper := pathmap.New(root)
	bus := changebus.New(slog.Default())
	w := watcher.New(mapper, bus, slog.Default())
	t.Cleanup(w.Close)
	return New(mapper, bus, w, false, false, slog.Default()), root
}

func TestUnknownMethodRejected(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("TRACE", "/", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, 405, rr.Code)
}

func TestCommonHeadersAlwaysSet(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, "1", rr.Header().Get("DAV"))
	require.NotEmpty(t, rr.Header().Get("Cache-Control"))
}

func TestInvalidPathRejected(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/../escape", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, 400, rr.Code)
}

func writeFile(t *testing.T, root, relative, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relative))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}
