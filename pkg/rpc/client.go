// Package rpc implements the caller side of the file-as-message substrate:
// Send/Broadcast write "<id>.request" files under a remote peer's synced
// tree, ReplyTo writes the matching "<id>.response", and Future/BulkFuture
// poll for the request's eventual response, rejection, or expiry.
package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/opensyftbox/syftbox/pkg/message"
	"github.com/opensyftbox/syftbox/pkg/syfturl"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

// Client issues and answers RPC messages on behalf of a single local email
// identity, against a Workspace's datasites tree.
type Client struct {
	Email     string
	Workspace *workspace.Workspace
}

// New builds a Client bound to email and ws.
func New(email string, ws *workspace.Workspace) *Client {
	return &Client{Email: email, Workspace: ws}
}

var expiryPattern = regexp.MustCompile(`^(\d+)([dhms])$`)

// ParseExpiry accepts "Nd|Nh|Nm|Ns" durations.
func ParseExpiry(s string) (time.Duration, error) {
	m := expiryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExpiry, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExpiry, s)
	}
	unit := map[string]time.Duration{
		"d": 24 * time.Hour,
		"h": time.Hour,
		"m": time.Minute,
		"s": time.Second,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// SendOptions configures a Send/Broadcast call.
type SendOptions struct {
	Method  message.Method
	Headers message.Headers
	Expiry  string // "Nd|Nh|Nm|Ns"; defaults to "1d"
	Cache   bool
}

func (o SendOptions) expiryDuration() (time.Duration, error) {
	expiry := o.Expiry
	if expiry == "" {
		expiry = "1d"
	}
	return ParseExpiry(expiry)
}

// Send writes a request file under url's local path and returns a Future
// tracking it:
//  1. build a Request with fresh timestamps/expiry;
//  2. ensure url's local directory exists;
//  3. if Cache is set, key the request by its message hash and reuse an
//     existing non-expired request file instead of rewriting it;
//  4. otherwise serialize a freshly-ULID'd request to disk.
func (c *Client) Send(url *syfturl.URL, body []byte, opts SendOptions) (*Future, error) {
	expiry, err := opts.expiryDuration()
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = message.MethodPOST
	}

	req := message.NewRequest(c.Email, url, method, opts.Headers, body, expiry)
	localPath := url.ToLocalPath(c.Workspace.DatasitesDir)
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyftError, err)
	}

	if opts.Cache {
		req.ID = req.GetMessageHash()
		reqPath := filepath.Join(localPath, message.RequestFileName(req.ID))
		if existing, err := message.LoadRequestFile(reqPath); err == nil {
			if !existing.Expired(time.Now().UTC()) {
				return newFuture(existing, localPath), nil
			}
			_ = os.Remove(reqPath)
		}
	}

	data, err := req.Dump()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyftError, err)
	}
	reqPath := filepath.Join(localPath, message.RequestFileName(req.ID))
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrSyftError, err)
	}

	return newFuture(req, localPath), nil
}

// Broadcast sends the same body/options to every url, isolating per-url
// failures into BulkFuture.Errors rather than aborting the whole call.
func (c *Client) Broadcast(urls []*syfturl.URL, body []byte, opts SendOptions) *BulkFuture {
	bulk := &BulkFuture{Errors: make(map[string]error)}
	for _, url := range urls {
		future, err := c.Send(url, body, opts)
		if err != nil {
			bulk.Errors[url.String()] = err
			continue
		}
		bulk.Futures = append(bulk.Futures, future)
	}
	return bulk
}

// ReplyTo constructs and writes the "<id>.response" answering req.
func (c *Client) ReplyTo(req *message.Request, body []byte, headers message.Headers, status message.StatusCode) (*message.Response, error) {
	resp := message.NewResponse(req, c.Email, status, headers, body)

	localPath := req.URL.ToLocalPath(c.Workspace.DatasitesDir)
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return nil, fmt.Errorf("reply_to: %w", err)
	}

	data, err := resp.Dump()
	if err != nil {
		return nil, fmt.Errorf("reply_to: %w", err)
	}
	respPath := filepath.Join(localPath, message.ResponseFileName(resp.ID))
	if err := os.WriteFile(respPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("reply_to: write response: %w", err)
	}

	return resp, nil
}
