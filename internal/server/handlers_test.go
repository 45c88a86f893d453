package server

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/logging"
)

// brokenWriter fails every body write, like a peer that hung up.
type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header { return w.header }

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func (w *brokenWriter) WriteHeader(status int) { w.status = status }

func TestTestPageHandlerLogsWriteFailureWithRequestLogger(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	r := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	r = r.WithContext(logging.WithLogger(r.Context(), zerolog.New(&buf)))
	TestPageHandler(&brokenWriter{header: http.Header{}}, r)

	req.Contains(buf.String(), "error writing HTML response")
	req.Contains(buf.String(), "connection reset by peer")
}

func TestRoutesAttachServerLogger(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	srv := NewServer(NewConfig(), history.NewMemoryStore(), zerolog.New(&buf))
	w := &brokenWriter{header: http.Header{}}
	srv.SetupRoutes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	req.Equal("text/html", w.header.Get("Content-Type"))
	req.Contains(buf.String(), "error writing HTML response")
	req.Contains(buf.String(), `"path":"/test"`)
	req.Contains(buf.String(), `"component":"http"`)
}
