package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/sitedeploy/internal/archive"
	"github.com/3cpo-dev/sitedeploy/internal/site"
	"github.com/3cpo-dev/sitedeploy/internal/site/kudu"
	"github.com/3cpo-dev/sitedeploy/pkg/api"
)

func serve(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHeartbeat(t *testing.T) {
	srv := &Server{Root: t.TempDir(), Version: "test", Token: "secret"}
	rr := serve(t, srv, http.MethodGet, "/api/heartbeat", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HeartbeatResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
}

func TestTokenAuth(t *testing.T) {
	srv := &Server{Root: t.TempDir(), Token: "secret"}
	rr := serve(t, srv, http.MethodGet, "/api/vfs/", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/vfs/", nil)
	req.SetBasicAuth("$site", "secret")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestVFS(t *testing.T) {
	root := t.TempDir()
	srv := &Server{Root: root}

	rr := serve(t, srv, http.MethodGet, "/api/vfs/site/wwwroot/", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, srv, http.MethodPut, "/api/vfs/site/wwwroot/", nil)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.DirExists(t, filepath.Join(root, "site", "wwwroot"))

	rr = serve(t, srv, http.MethodPut, "/api/vfs/site/wwwroot/hello.txt", []byte("hi"))
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = serve(t, srv, http.MethodGet, "/api/vfs/site/wwwroot/hello.txt", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hi", rr.Body.String())

	rr = serve(t, srv, http.MethodGet, "/api/vfs/site/wwwroot/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var entries []site.Entry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello.txt", entries[0].Name)

	rr = serve(t, srv, http.MethodDelete, "/api/vfs/site/wwwroot/hello.txt", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = serve(t, srv, http.MethodDelete, "/api/vfs/site/wwwroot/hello.txt", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, srv, http.MethodGet, "/api/vfs/..%2F..%2Fetc/passwd", nil)
	assert.NotEqual(t, http.StatusOK, rr.Code)
}

func TestResolveStaysInRoot(t *testing.T) {
	root := t.TempDir()
	srv := &Server{Root: root}
	p, err := srv.resolve("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "passwd"), p)
}

func TestCommand(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "site", "wwwroot"), 0o755))
	srv := &Server{Root: root, CommandTimeout: 200 * time.Millisecond}

	body, _ := json.Marshal(api.CommandRequest{Command: "echo out; echo err >&2; exit 2", Dir: `site\wwwroot`})
	rr := serve(t, srv, http.MethodPost, "/api/command", body)
	require.Equal(t, http.StatusOK, rr.Code)
	var res api.CommandResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "out\n", res.Output)
	assert.Equal(t, "err\n", res.Error)
	assert.Equal(t, 2, res.ExitCode)

	// The request gives up but the command finishes in the background.
	body, _ = json.Marshal(api.CommandRequest{Command: "sleep 0.5; echo 0 > done.txt", Dir: `site\wwwroot`})
	rr = serve(t, srv, http.MethodPost, "/api/command", body)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(root, "site", "wwwroot", "done.txt"))
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestZipAndDeploymentsWithClient(t *testing.T) {
	root := t.TempDir()
	ts := httptest.NewServer((&Server{Root: root, Token: "tok"}).Handler())
	t.Cleanup(ts.Close)
	c, err := kudu.New(kudu.Config{URL: ts.URL, Token: "tok"})
	require.NoError(t, err)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.html"), []byte("<p>v1</p>"), 0o644))
	zipPath, err := archive.CompressDirectory(src, filepath.Join(t.TempDir(), "pkg.zip"))
	require.NoError(t, err)

	require.NoError(t, c.ExtractZip(ctx, zipPath, "/site/wwwroot"))
	content, ok, err := c.GetFileContent(ctx, "/site/wwwroot", "index.html")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "<p>v1</p>", content)

	require.NoError(t, c.DeleteFile(ctx, "/site/wwwroot", "absent.htm"))

	rec := api.HistoryRecord{ID: "91700000000000", Status: api.StatusSuccess, Active: true, Deployer: api.Deployer, Message: "{}"}
	require.NoError(t, c.RecordDeploymentHistory(ctx, rec))
	list, err := c.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []api.HistoryRecord{rec}, list)
}

func TestMTLSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rr := httptest.NewRecorder()
	MTLSMiddleware(true)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/heartbeat", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	MTLSMiddleware(false)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConfigureTLSErrors(t *testing.T) {
	_, err := ConfigureTLS(MTLSConfig{})
	require.Error(t, err)
	_, err = ConfigureTLS(MTLSConfig{ServerCert: "missing.pem", ServerKey: "missing.key"})
	require.ErrorContains(t, err, "load server certificate")
	assert.False(t, MTLSConfig{}.Enabled())
}
