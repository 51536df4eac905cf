package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/opensyftbox/syftbox/pkg/message"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// Engine drives one datasite's bidirectional sync against a Transport. It
// is meant to run on its own worker goroutine, separate from the event
// dispatcher.
type Engine struct {
	Workspace *workspace.Workspace
	Transport Transport

	local    *LocalState
	ignore   *IgnoreList
	priority *PriorityList

	mu       sync.Mutex
	previous map[string]*FileMetadata
}

// NewEngine builds an Engine rooted at ws's datasites tree, talking to
// transport.
func NewEngine(ws *workspace.Workspace, transport Transport) *Engine {
	return &Engine{
		Workspace: ws,
		Transport: transport,
		local:     NewLocalStateForWorkspace(ws),
		ignore:    NewIgnoreList(ws.DatasitesDir),
		priority:  NewPriorityList(),
		previous:  make(map[string]*FileMetadata),
	}
}

// RunOnce executes a single sync iteration: scan local state, fetch remote
// state, diff against the previous-synced snapshot, build a prioritized
// queue, and drain it. It returns the items it attempted, or an error
// wrapping ErrSyncEnvironment when the datasites directory is missing or
// cannot be scanned. Per-item errors are logged and the item is retried on
// the next pass; they never abort the pass and are not part of the return
// value.
func (e *Engine) RunOnce(ctx context.Context) ([]*ChangeItem, error) {
	if _, err := os.Stat(e.Workspace.DatasitesDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncEnvironment, err)
	}

	localState, err := e.local.Scan()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncEnvironment, err)
	}

	remoteList, err := e.Transport.GetRemoteState(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("sync: get_remote_state: %w", err)
	}
	remoteState := make(map[string]*FileMetadata, len(remoteList))
	for _, m := range remoteList {
		remoteState[m.Path] = m
	}

	e.mu.Lock()
	previous := e.previous
	e.mu.Unlock()

	items := e.buildQueue(localState, previous, remoteState)
	e.drain(ctx, items)

	newPrevious := make(map[string]*FileMetadata, len(localState))
	for path, meta := range localState {
		newPrevious[path] = meta
	}
	e.mu.Lock()
	e.previous = newPrevious
	e.mu.Unlock()

	return items, nil
}

// buildQueue unions every path seen in any of the three states, decides an
// Action for each, drops ignored paths and NOOPs, and sorts prioritized
// paths (permission files and request/response messages) first, then
// smaller files first.
func (e *Engine) buildQueue(local, previous, remote map[string]*FileMetadata) []*ChangeItem {
	paths := make(map[string]struct{})
	for p := range local {
		paths[p] = struct{}{}
	}
	for p := range previous {
		paths[p] = struct{}{}
	}
	for p := range remote {
		paths[p] = struct{}{}
	}

	items := make([]*ChangeItem, 0, len(paths))
	for path := range paths {
		l, p, r := local[path], previous[path], remote[path]

		if l != nil && e.ignore.ShouldIgnoreFile(l) {
			continue
		}

		action := decide(l, p, r)
		if action == NOOP {
			continue
		}
		items = append(items, &ChangeItem{Path: path, Action: action, Local: l, Previous: p, Remote: r})
	}

	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := e.priority.ShouldPrioritize(items[i].Path), e.priority.ShouldPrioritize(items[j].Path)
		if pi != pj {
			return pi
		}
		return itemSize(items[i]) < itemSize(items[j])
	})

	return items
}

func itemSize(item *ChangeItem) int64 {
	if item.Local != nil {
		return item.Local.Size
	}
	if item.Remote != nil {
		return item.Remote.Size
	}
	return 0
}

// drain processes items on a single consumer, logging per-file failures
// and writing a rejection marker on 401/403 rather than aborting the pass.
func (e *Engine) drain(ctx context.Context, items []*ChangeItem) {
	for _, item := range items {
		if err := e.apply(ctx, item); err != nil {
			var terr *TransportError
			if transportErr, ok := err.(*TransportError); ok {
				terr = transportErr
			}
			if terr != nil && terr.IsRejected() {
				e.markRejected(item.Path)
			}
			slog.Error("sync: item failed, will retry next pass", "path", item.Path, "action", item.Action, "error", err)
		}
	}
}

func (e *Engine) apply(ctx context.Context, item *ChangeItem) error {
	abs := filepath.Join(e.Workspace.DatasitesDir, filepath.FromSlash(item.Path))

	switch item.Action {
	case CreateRemote, ModifyRemote:
		data, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("sync: read local %s: %w", item.Path, err)
		}
		if item.Action == CreateRemote {
			return e.Transport.Create(ctx, item.Path, data)
		}
		return e.uploadDiff(ctx, item.Path, data)

	case DeleteRemote:
		return e.Transport.Delete(ctx, item.Path)

	case CreateLocal, ModifyLocal:
		data, err := e.Transport.Download(ctx, item.Path)
		if err != nil {
			return fmt.Errorf("sync: download %s: %w", item.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("sync: mkdir for %s: %w", item.Path, err)
		}
		return os.WriteFile(abs, data, 0o644)

	case DeleteLocal:
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sync: delete local %s: %w", item.Path, err)
		}
		return nil
	}
	return nil
}

func (e *Engine) uploadDiff(ctx context.Context, path string, content []byte) error {
	if _, err := e.Transport.GetDiff(ctx, path, ""); err != nil {
		return e.Transport.Create(ctx, path, content)
	}
	sum := sha256.Sum256(content)
	return e.Transport.ApplyDiff(ctx, path, content, hex.EncodeToString(sum[:]))
}

func (e *Engine) markRejected(path string) {
	abs := filepath.Join(e.Workspace.DatasitesDir, filepath.FromSlash(path)) + message.RejectedRequestSuffix
	_ = os.WriteFile(abs, []byte{}, 0o644)
}

// BulkBootstrap computes the set of remote paths absent locally, filters
// out ignored paths, and issues a single download_bulk rather than N
// per-file downloads.
func (e *Engine) BulkBootstrap(ctx context.Context) error {
	localState, err := e.local.Scan()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyncEnvironment, err)
	}

	remote, err := e.Transport.GetRemoteState(ctx, "")
	if err != nil {
		return fmt.Errorf("sync: get_remote_state: %w", err)
	}

	var missing []string
	for _, meta := range remote {
		if _, ok := localState[meta.Path]; ok {
			continue
		}
		if e.ignore.ShouldIgnoreFile(meta) {
			continue
		}
		missing = append(missing, meta.Path)
	}
	if len(missing) == 0 {
		return nil
	}

	records, err := e.Transport.DownloadBulk(ctx, missing)
	if err != nil {
		return fmt.Errorf("sync: download_bulk: %w", err)
	}

	for rec := range records {
		abs := filepath.Join(e.Workspace.DatasitesDir, filepath.FromSlash(rec.Path))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			slog.Warn("sync: bulk bootstrap mkdir failed, will retry per-file", "path", rec.Path, "error", err)
			continue
		}
		if err := os.WriteFile(abs, rec.Content, 0o644); err != nil {
			slog.Warn("sync: bulk bootstrap write failed, will retry per-file", "path", rec.Path, "error", err)
		}
	}
	return nil
}
