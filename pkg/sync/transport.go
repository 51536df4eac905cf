package sync

import "context"

// Diff is the rsync-style delta returned by Transport.GetDiff: diff bytes
// plus the hash the file is expected to have after applying them.
type Diff struct {
	Bytes        []byte
	ExpectedHash string
}

// BulkRecord is one entry of a download_bulk stream.
type BulkRecord struct {
	Path    string
	Content []byte
}

// Transport is the wire protocol spoken against a sync server.
// Implementations translate these calls into actual HTTP requests; this
// package only depends on the interface.
type Transport interface {
	GetMetadata(ctx context.Context, path string) (*FileMetadata, error)
	GetRemoteState(ctx context.Context, dir string) ([]*FileMetadata, error)
	GetDiff(ctx context.Context, path, signature string) (*Diff, error)
	ApplyDiff(ctx context.Context, path string, diff []byte, expectedHash string) error
	Create(ctx context.Context, path string, content []byte) error
	Delete(ctx context.Context, path string) error
	Download(ctx context.Context, path string) ([]byte, error)
	DownloadBulk(ctx context.Context, paths []string) (<-chan BulkRecord, error)
}

// TransportError classifies a Transport failure so the engine can decide
// between a fatal stop, a retryable per-file skip, or a rejection marker.
type TransportError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether the server refused the operation on
// permission grounds (401/403).
func (e *TransportError) IsRejected() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsTooLarge reports whether the server rejected an upload for exceeding
// MAX_FILE_SIZE_MB (413).
func (e *TransportError) IsTooLarge() bool {
	return e.StatusCode == 413
}
