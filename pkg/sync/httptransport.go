package sync

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/imroc/req/v3"

	"github.com/opensyftbox/syftbox/internal/version"
)

// HTTPTransport speaks the sync wire protocol against a running syncserver
// over req/v3.
type HTTPTransport struct {
	client *req.Client
}

// NewHTTPTransport builds a Transport bound to baseURL, authenticating every
// request with token (as issued by syncserver.AuthService.IssueToken). Every
// request carries client-version/runtime-version/os/os-version headers so a
// syncserver enforcing MinClientVersion can actually see them, plus a stable
// per-machine device-id. The os-version header carries the CPU architecture
// (runtime.GOARCH); the operating system's release version is not sent.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	client := req.C().
		SetBaseURL(baseURL).
		SetTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetCommonRetryCount(3).
		SetCommonRetryFixedInterval(time.Second).
		SetUserAgent("syftbox-sync/" + version.Version).
		SetCommonBearerAuthToken(token).
		SetCommonHeader("client-version", version.Version).
		SetCommonHeader("runtime-version", runtime.Version()).
		SetCommonHeader("os", runtime.GOOS).
		SetCommonHeader("os-version", runtime.GOARCH).
		SetCommonHeader("device-id", deviceID()).
		SetTimeout(30 * time.Second)

	return &HTTPTransport{client: client}
}

// deviceID returns a stable per-machine identifier for telemetry and abuse
// tracking, falling back to an empty string on platforms where machineid
// can't read one rather than failing transport construction.
func deviceID() string {
	id, err := machineid.ProtectedID("syftbox")
	if err != nil {
		return ""
	}
	return id
}

func wireErr(path string, resp *req.Response, err error) error {
	if err != nil {
		return &TransportError{Path: path, Err: err}
	}
	if resp.IsErrorState() {
		return &TransportError{Path: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("sync: %s: %s", path, resp.Status)}
	}
	return nil
}

func (t *HTTPTransport) GetMetadata(ctx context.Context, path string) (*FileMetadata, error) {
	var meta FileMetadata
	resp, err := t.client.R().SetContext(ctx).
		SetQueryParam("path", path).
		SetSuccessResult(&meta).
		Get("/sync/get_metadata")
	if e := wireErr(path, resp, err); e != nil {
		return nil, e
	}
	return &meta, nil
}

func (t *HTTPTransport) GetRemoteState(ctx context.Context, dir string) ([]*FileMetadata, error) {
	var metas []*FileMetadata
	resp, err := t.client.R().SetContext(ctx).
		SetQueryParam("dir", dir).
		SetSuccessResult(&metas).
		Get("/sync/dir_state")
	if e := wireErr(dir, resp, err); e != nil {
		return nil, e
	}
	return metas, nil
}

func (t *HTTPTransport) GetDiff(ctx context.Context, path, signature string) (*Diff, error) {
	var out struct {
		DiffBytes string `json:"diff_bytes"`
		Hash      string `json:"hash"`
	}
	resp, err := t.client.R().SetContext(ctx).
		SetBody(map[string]string{"path": path, "signature": signature}).
		SetSuccessResult(&out).
		Post("/sync/get_diff")
	if e := wireErr(path, resp, err); e != nil {
		return nil, e
	}
	decoded, err := base64.StdEncoding.DecodeString(out.DiffBytes)
	if err != nil {
		return nil, &TransportError{Path: path, Err: err}
	}
	return &Diff{Bytes: decoded, ExpectedHash: out.Hash}, nil
}

func (t *HTTPTransport) ApplyDiff(ctx context.Context, path string, diff []byte, expectedHash string) error {
	resp, err := t.client.R().SetContext(ctx).
		SetBody(map[string]string{
			"path":          path,
			"diff":          base64.StdEncoding.EncodeToString(diff),
			"expected_hash": expectedHash,
		}).
		Post("/sync/apply_diff")
	return wireErr(path, resp, err)
}

func (t *HTTPTransport) Create(ctx context.Context, path string, content []byte) error {
	resp, err := t.client.R().SetContext(ctx).
		SetBody(map[string]string{
			"path":    path,
			"content": base64.StdEncoding.EncodeToString(content),
		}).
		Post("/sync/create")
	return wireErr(path, resp, err)
}

func (t *HTTPTransport) Delete(ctx context.Context, path string) error {
	resp, err := t.client.R().SetContext(ctx).
		SetBody(map[string]string{"path": path}).
		Post("/sync/delete")
	return wireErr(path, resp, err)
}

func (t *HTTPTransport) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := t.client.R().SetContext(ctx).
		SetQueryParam("path", path).
		Get("/sync/download")
	if e := wireErr(path, resp, err); e != nil {
		return nil, e
	}
	return resp.Bytes(), nil
}

// DownloadBulk streams the ndjson response (one record per line, blank-line
// terminated) and decodes it into records on the returned channel.
func (t *HTTPTransport) DownloadBulk(ctx context.Context, paths []string) (<-chan BulkRecord, error) {
	resp, err := t.client.R().SetContext(ctx).
		SetBody(map[string][]string{"paths": paths}).
		Post("/sync/download_bulk")
	if e := wireErr("download_bulk", resp, err); e != nil {
		return nil, e
	}

	out := make(chan BulkRecord)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		decodeNDJSON(resp.Body, out)
	}()
	return out, nil
}

func decodeNDJSON(r io.Reader, out chan<- BulkRecord) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFileSizeBytesNDJSON)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			return
		}
		var rec struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(rec.Content)
		if err != nil {
			continue
		}
		out <- BulkRecord{Path: rec.Path, Content: content}
	}
}

// maxFileSizeBytesNDJSON bounds the scanner's line buffer; base64 inflates
// the wire size of MaxFileSizeMB by roughly 4/3, plus headroom for the
// wrapping JSON envelope.
const maxFileSizeBytesNDJSON = (MaxFileSizeMB*1024*1024)*4/3 + 4096
