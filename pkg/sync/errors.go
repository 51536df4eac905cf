package sync

import "errors"

// ErrSyncEnvironment is fatal: the datasites directory is missing or cannot
// be scanned under a running sync loop. The caller must stop the sync
// goroutine permanently.
var ErrSyncEnvironment = errors.New("sync: environment error")
