package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opensyftbox/syftbox/pkg/message"
)

// State is the lifecycle stage of a Future.
type State string

const (
	StatePending  State = "pending"
	StateCompleted State = "completed"
	StateRejected State = "rejected"
	StateExpired  State = "expired_request"
	StateDeleted  State = "deleted"
)

// Future tracks a single outstanding request, polling its local datasite
// directory for the response/rejection files a remote peer writes back.
type Future struct {
	ID        string
	URL       string
	LocalPath string
	Expires   time.Time
	Request   *message.Request
}

func newFuture(req *message.Request, localPath string) *Future {
	return &Future{
		ID:        req.ID,
		URL:       req.URL.String(),
		LocalPath: localPath,
		Expires:   req.Expires,
		Request:   req,
	}
}

// RequestPath is the "<id>.request" file this future was created from.
func (f *Future) RequestPath() string {
	return filepath.Join(f.LocalPath, message.RequestFileName(f.ID))
}

// ResponsePath is the "<id>.response" file a handler writes on success.
func (f *Future) ResponsePath() string {
	return filepath.Join(f.LocalPath, message.ResponseFileName(f.ID))
}

// RejectedPath is the "<id>.syftrejected.request" file a handler (or the
// permission layer) writes to refuse the request outright.
func (f *Future) RejectedPath() string {
	return filepath.Join(f.LocalPath, message.RejectedFileName(f.ID))
}

// Resolve checks the future's current State against disk, in strict
// precedence order:
//
//	REJECTED > COMPLETED > DELETED > EXPIRED_REQUEST > PENDING
//
// It returns the parsed Response when State is StateCompleted, and a nil
// Response otherwise. If silent is false, a rejected or expired future
// produces a non-nil error alongside its State; if silent is true, the
// state is reported without an error.
func (f *Future) Resolve(silent bool) (*message.Response, State, error) {
	if _, err := os.Stat(f.RejectedPath()); err == nil {
		if silent {
			return nil, StateRejected, nil
		}
		return nil, StateRejected, fmt.Errorf("%w: %s", ErrRejected, f.ID)
	}

	if resp, err := message.LoadResponseFile(f.ResponsePath()); err == nil {
		if resp.Expired(time.Now().UTC()) {
			resp.StatusCode = message.StatusExpired
		}
		return resp, StateCompleted, nil
	}

	if _, err := os.Stat(f.RequestPath()); err != nil {
		return nil, StateDeleted, nil
	}

	if time.Now().UTC().After(f.Expires) {
		if silent {
			return nil, StateExpired, nil
		}
		return nil, StateExpired, fmt.Errorf("%w: %s", ErrTimeout, f.ID)
	}

	return nil, StatePending, nil
}

// Wait polls Resolve every pollInterval until a terminal state is reached
// or timeout elapses. A non-positive timeout is rejected outright.
func (f *Future) Wait(timeout, pollInterval time.Duration) (*message.Response, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive timeout", ErrSyftError)
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	for {
		resp, state, err := f.Resolve(true)
		switch state {
		case StateCompleted:
			return resp, nil
		case StateRejected:
			return nil, fmt.Errorf("%w: %s", ErrRejected, f.ID)
		case StateDeleted:
			return nil, fmt.Errorf("%w: request file removed before response: %s", ErrSyftError, f.ID)
		case StateExpired:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, f.ID)
		}
		if err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, f.ID)
		}
		time.Sleep(pollInterval)
	}
}

// BulkFuture is the result of a Broadcast call: one Future per url that was
// sent successfully, plus the per-url errors for ones that were not.
type BulkFuture struct {
	Futures []*Future
	Errors  map[string]error
}

// GatherCompleted waits up to timeout for every future to resolve, polling
// at pollInterval, and returns the responses keyed by url for whichever
// futures completed successfully within the deadline. Futures that time
// out, get rejected, or get deleted are simply absent from the result.
func (b *BulkFuture) GatherCompleted(timeout, pollInterval time.Duration) map[string]*message.Response {
	out := make(map[string]*message.Response, len(b.Futures))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, f := range b.Futures {
		wg.Add(1)
		go func(f *Future) {
			defer wg.Done()
			resp, err := f.Wait(timeout, pollInterval)
			if err != nil {
				return
			}
			mu.Lock()
			out[f.URL] = resp
			mu.Unlock()
		}(f)
	}
	wg.Wait()
	return out
}
