package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensyftbox/syftbox/pkg/message"
	"github.com/opensyftbox/syftbox/pkg/rpc"
	"github.com/opensyftbox/syftbox/pkg/syfturl"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

type pingBody struct {
	Value int `json:"value"`
}

func newTestDispatcher(t *testing.T) (*SyftEvents, *rpc.Client) {
	t.Helper()
	root := t.TempDir()
	ws := workspace.New(root)
	require.NoError(t, ws.CreateDirs())
	client := rpc.New("alice@openmined.org", ws)
	return New("echo", "alice@openmined.org", ws, client), client
}

func writeRequestFile(t *testing.T, se *SyftEvents, endpoint string, body []byte) *message.Request {
	t.Helper()
	dir := se.RPCRoot(endpoint)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	url := syfturl.MustParse("syft://" + se.Email + "/api_data/" + se.AppName + "/rpc/" + endpoint)
	req := message.NewRequest("bob@example.com", url, message.MethodPOST, nil, body, time.Hour)
	data, err := req.Dump()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, message.RequestFileName(req.ID)), data, 0o644))
	return req
}

func TestOnRequestRejectsWildcardEndpoint(t *testing.T) {
	se, _ := newTestDispatcher(t)
	err := se.OnRequest("ping/*", func(r RequestContext) (string, error) { return "", nil })
	assert.Error(t, err)
}

func TestDispatchStructuredHandler(t *testing.T) {
	se, _ := newTestDispatcher(t)
	var got pingBody
	require.NoError(t, se.OnRequest("ping", func(p pingBody) (pingBody, error) {
		got = p
		return pingBody{Value: p.Value * 2}, nil
	}))

	req := writeRequestFile(t, se, "ping", []byte(`{"value":21}`))

	se.mu.Lock()
	route := se.routes["ping"]
	se.mu.Unlock()
	se.dispatchRequest(route, filepath.Join(se.RPCRoot("ping"), message.RequestFileName(req.ID)))

	assert.Equal(t, 21, got.Value)

	respPath := filepath.Join(se.RPCRoot("ping"), message.ResponseFileName(req.ID))
	resp, err := message.LoadResponseFile(respPath)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "42")
}

func TestDispatchStringHandler(t *testing.T) {
	se, _ := newTestDispatcher(t)
	require.NoError(t, se.OnRequest("echo", func(s string) (string, error) { return "got:" + s, nil }))

	req := writeRequestFile(t, se, "echo", []byte("hello"))
	se.mu.Lock()
	route := se.routes["echo"]
	se.mu.Unlock()
	se.dispatchRequest(route, filepath.Join(se.RPCRoot("echo"), message.RequestFileName(req.ID)))

	respPath := filepath.Join(se.RPCRoot("echo"), message.ResponseFileName(req.ID))
	resp, err := message.LoadResponseFile(respPath)
	require.NoError(t, err)
	assert.Equal(t, "got:hello", string(resp.Body))
}

func TestDispatchHandlerErrorWritesNon200(t *testing.T) {
	se, _ := newTestDispatcher(t)
	require.NoError(t, se.OnRequest("boom", func(s string) (string, error) {
		return "", assertError{"kaboom"}
	}))

	req := writeRequestFile(t, se, "boom", []byte("x"))
	se.mu.Lock()
	route := se.routes["boom"]
	se.mu.Unlock()
	se.dispatchRequest(route, filepath.Join(se.RPCRoot("boom"), message.RequestFileName(req.ID)))

	respPath := filepath.Join(se.RPCRoot("boom"), message.ResponseFileName(req.ID))
	resp, err := message.LoadResponseFile(respPath)
	require.NoError(t, err)
	assert.Equal(t, message.StatusServerError, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "kaboom")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestDispatchDropsExpiredRequestSilently(t *testing.T) {
	se, _ := newTestDispatcher(t)
	called := false
	require.NoError(t, se.OnRequest("ping", func(s string) (string, error) {
		called = true
		return "", nil
	}))

	dir := se.RPCRoot("ping")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	url := syfturl.MustParse("syft://" + se.Email + "/api_data/echo/rpc/ping")
	req := message.NewRequest("bob@example.com", url, message.MethodPOST, nil, []byte("x"), time.Hour)
	req.Expires = time.Now().UTC().Add(-time.Minute)
	data, err := req.Dump()
	require.NoError(t, err)
	path := filepath.Join(dir, message.RequestFileName(req.ID))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	se.mu.Lock()
	route := se.routes["ping"]
	se.mu.Unlock()
	se.dispatchRequest(route, path)

	assert.False(t, called)
	_, err = os.Stat(filepath.Join(dir, message.ResponseFileName(req.ID)))
	assert.True(t, os.IsNotExist(err))
}

func TestProcessPendingRequestsReplaysUnansweredOnes(t *testing.T) {
	se, _ := newTestDispatcher(t)
	var calls int
	require.NoError(t, se.OnRequest("ping", func(s string) (string, error) {
		calls++
		return "pong", nil
	}))

	req := writeRequestFile(t, se, "ping", []byte("x"))
	se.processPendingRequests()

	assert.Equal(t, 1, calls)
	respPath := filepath.Join(se.RPCRoot("ping"), message.ResponseFileName(req.ID))
	_, err := os.Stat(respPath)
	require.NoError(t, err)

	se.processPendingRequests()
	assert.Equal(t, 1, calls, "a request with an existing response must not be replayed")
}

func TestExpandGlobPrependsRecursiveAndSubstitutesPlaceholders(t *testing.T) {
	se, _ := newTestDispatcher(t)
	got := se.expandGlob("{datasite}/public/*.txt")
	assert.Equal(t, "**/alice@openmined.org/public/*.txt", got)

	got = se.expandGlob("**/fixed.txt")
	assert.Equal(t, "**/fixed.txt", got)
}

func TestPublishSchemaWritesFile(t *testing.T) {
	se, _ := newTestDispatcher(t)
	require.NoError(t, se.OnRequest("ping", func(p pingBody) (pingBody, error) { return p, nil }))

	require.NoError(t, se.PublishSchema())
	path := filepath.Join(se.apiDataRoot(), "rpc", schemaFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ping")
}
