package syncserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensyftbox/syftbox/pkg/workspace"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	ws := workspace.New(root)
	require.NoError(t, ws.CreateDirs())

	auth := NewAuthService("test-secret", "syncserver-test", 0)
	server := New(Config{Workspace: ws, Auth: auth})

	token, err := auth.IssueToken("alice@openmined.org")
	require.NoError(t, err)
	return server, token
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestWhoamiReturnsTokenSubject(t *testing.T) {
	server, token := newTestServer(t)

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/auth/whoami", nil), token)
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "alice@openmined.org", out["email"])
}

func TestWhoamiRejectsMissingToken(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateThenDownloadRoundTrip(t *testing.T) {
	server, token := newTestServer(t)

	body, _ := json.Marshal(createRequest{
		Path:    "alice@openmined.org/hello.txt",
		Content: base64.StdEncoding.EncodeToString([]byte("hi there")),
	})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/create", bytes.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := authed(httptest.NewRequest(http.MethodGet, "/sync/download?path=alice@openmined.org/hello.txt", nil), token)
	server.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "hi there", rec2.Body.String())
}

func TestCreateRejectsPathEscape(t *testing.T) {
	server, token := newTestServer(t)

	body, _ := json.Marshal(createRequest{Path: "../../etc/passwd", Content: base64.StdEncoding.EncodeToString([]byte("x"))})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/create", bytes.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplyDiffRejectsHashMismatch(t *testing.T) {
	server, token := newTestServer(t)

	body, _ := json.Marshal(applyDiffRequest{
		Path:         "alice@openmined.org/x.txt",
		Diff:         base64.StdEncoding.EncodeToString([]byte("content")),
		ExpectedHash: "deadbeef",
	})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/apply_diff", bytes.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteRemovesFile(t *testing.T) {
	server, token := newTestServer(t)
	path := filepath.Join(server.Workspace.DatasitesDir, "alice@openmined.org", "gone.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	body, _ := json.Marshal(deleteRequest{Path: "alice@openmined.org/gone.txt"})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/delete", bytes.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadBulkStreamsNDJSON(t *testing.T) {
	server, token := newTestServer(t)
	path := filepath.Join(server.Workspace.DatasitesDir, "alice@openmined.org", "bulk.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("bulk-data"), 0o644))

	body, _ := json.Marshal(downloadBulkRequest{Paths: []string{"alice@openmined.org/bulk.txt"}})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/download_bulk", bytes.NewReader(body)), token)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bulk-data")
}

func TestCreateRejectsWithoutPermission(t *testing.T) {
	server, _ := newTestServer(t)
	bobToken, err := server.Auth.IssueToken("bob@openmined.org")
	require.NoError(t, err)

	body, _ := json.Marshal(createRequest{
		Path:    "alice@openmined.org/secret.txt",
		Content: base64.StdEncoding.EncodeToString([]byte("nope")),
	})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/create", bytes.NewReader(body)), bobToken)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, statErr := os.Stat(filepath.Join(server.Workspace.DatasitesDir, "alice@openmined.org", "secret.txt"))
	assert.True(t, os.IsNotExist(statErr), "denied create must not touch disk")
}

func TestCreateAllowedByExplicitGrant(t *testing.T) {
	server, _ := newTestServer(t)
	bobToken, err := server.Auth.IssueToken("bob@openmined.org")
	require.NoError(t, err)

	sharedDir := filepath.Join(server.Workspace.DatasitesDir, "alice@openmined.org", "shared")
	require.NoError(t, os.MkdirAll(sharedDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sharedDir, "syftperm.yaml"), []byte(`
- path: "**"
  user: "bob@openmined.org"
  permissions:
    - create
    - read
`), 0o644))
	require.NoError(t, server.ReloadPermissions())

	body, _ := json.Marshal(createRequest{
		Path:    "alice@openmined.org/shared/notes.txt",
		Content: base64.StdEncoding.EncodeToString([]byte("hi")),
	})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/create", bytes.NewReader(body)), bobToken)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestDeleteRejectsWithoutPermission(t *testing.T) {
	server, token := newTestServer(t)
	path := filepath.Join(server.Workspace.DatasitesDir, "alice@openmined.org", "keep.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_ = token // alice's own token would be allowed; use bob's instead

	bobToken, err := server.Auth.IssueToken("bob@openmined.org")
	require.NoError(t, err)

	body, _ := json.Marshal(deleteRequest{Path: "alice@openmined.org/keep.txt"})
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/sync/delete", bytes.NewReader(body)), bobToken)
	req.Header.Set("Content-Type", "application/json")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "denied delete must leave the file in place")
}

func TestMinClientVersionRejectsOldClient(t *testing.T) {
	root := t.TempDir()
	ws := workspace.New(root)
	require.NoError(t, ws.CreateDirs())
	auth := NewAuthService("secret", "test", 0)
	server := New(Config{Workspace: ws, Auth: auth, MinClientVer: "2.0.0"})
	token, err := auth.IssueToken("alice@openmined.org")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/auth/whoami", nil), token)
	req.Header.Set("client-version", "1.0.0")
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}
