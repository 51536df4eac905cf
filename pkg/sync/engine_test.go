package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensyftbox/syftbox/pkg/workspace"
)

type fakeTransport struct {
	remote map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{remote: make(map[string][]byte)}
}

func (f *fakeTransport) GetMetadata(ctx context.Context, path string) (*FileMetadata, error) {
	data, ok := f.remote[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &FileMetadata{Path: path, Size: int64(len(data)), Hash: fakeHash(data)}, nil
}

// fakeHash mirrors the sha256 hex digest LocalState.Scan and the server use.
func fakeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeTransport) GetRemoteState(ctx context.Context, dir string) ([]*FileMetadata, error) {
	var out []*FileMetadata
	for path, data := range f.remote {
		out = append(out, &FileMetadata{Path: path, Size: int64(len(data)), Hash: fakeHash(data)})
	}
	return out, nil
}

func (f *fakeTransport) GetDiff(ctx context.Context, path, signature string) (*Diff, error) {
	return nil, os.ErrNotExist
}

func (f *fakeTransport) ApplyDiff(ctx context.Context, path string, diff []byte, expectedHash string) error {
	f.remote[path] = diff
	return nil
}

func (f *fakeTransport) Create(ctx context.Context, path string, content []byte) error {
	f.remote[path] = content
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, path string) error {
	delete(f.remote, path)
	return nil
}

func (f *fakeTransport) Download(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.remote[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeTransport) DownloadBulk(ctx context.Context, paths []string) (<-chan BulkRecord, error) {
	ch := make(chan BulkRecord, len(paths))
	for _, p := range paths {
		ch <- BulkRecord{Path: p, Content: f.remote[p]}
	}
	close(ch)
	return ch, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *workspace.Workspace) {
	t.Helper()
	root := t.TempDir()
	ws := workspace.New(root)
	require.NoError(t, ws.CreateDirs())
	transport := newFakeTransport()
	return NewEngine(ws, transport), transport, ws
}

func TestRunOnceUploadsNewLocalFile(t *testing.T) {
	engine, transport, ws := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.DatasitesDir, "a.txt"), []byte("hello"), 0o644))

	items, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, CreateRemote, items[0].Action)
	assert.Equal(t, []byte("hello"), transport.remote["a.txt"])
}

func TestRunOnceDownloadsNewRemoteFile(t *testing.T) {
	engine, transport, ws := newTestEngine(t)
	transport.remote["b.txt"] = []byte("world")

	items, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, CreateLocal, items[0].Action)

	data, err := os.ReadFile(filepath.Join(ws.DatasitesDir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestRunOnceConvergesToNoopOnSecondPass(t *testing.T) {
	engine, _, ws := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.DatasitesDir, "c.txt"), []byte("x"), 0o644))

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	items, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items, "nothing changed since the last pass, queue should be empty")
}

func TestPriorityOrdersPermissionFilesFirst(t *testing.T) {
	engine, _, ws := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(ws.DatasitesDir, "z_big.bin"), make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.DatasitesDir, "syftperm.yaml"), []byte("- path: x"), 0o644))

	items, err := engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "syftperm.yaml", items[0].Path)
}

func TestBulkBootstrapDownloadsMissingRemoteFiles(t *testing.T) {
	engine, transport, ws := newTestEngine(t)
	transport.remote["one.txt"] = []byte("1")
	transport.remote["two.txt"] = []byte("2")

	require.NoError(t, engine.BulkBootstrap(context.Background()))

	data, err := os.ReadFile(filepath.Join(ws.DatasitesDir, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestEngineRunOnceFailsOnMissingWorkspace(t *testing.T) {
	engine, _, ws := newTestEngine(t)
	require.NoError(t, os.RemoveAll(ws.DatasitesDir))

	_, err := engine.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSyncEnvironment)
}
