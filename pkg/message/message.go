// Package message defines the on-disk Request/Response message format: the
// JSON documents callers write as "<id>.request" and handlers write back as
// "<id>.response".
package message

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opensyftbox/syftbox/pkg/syfturl"
)

// Method is the HTTP-style verb carried by a Request.
type Method string

const (
	MethodGET    Method = "GET"
	MethodHEAD   Method = "HEAD"
	MethodPOST   Method = "POST"
	MethodPUT    Method = "PUT"
	MethodPATCH  Method = "PATCH"
	MethodDELETE Method = "DELETE"
)

// StatusCode is the outcome of a Response, modeled after a small HTTP subset.
type StatusCode int

const (
	StatusOK          StatusCode = 200
	StatusForbidden   StatusCode = 403
	StatusNotFound    StatusCode = 404
	StatusExpired     StatusCode = 419
	StatusServerError StatusCode = 500
)

// IsSuccess reports whether code is in [200, 300).
func (c StatusCode) IsSuccess() bool {
	return c >= 200 && c < 300
}

// Headers is a flat string->string header map.
type Headers map[string]string

const (
	RequestSuffix          = ".request"
	ResponseSuffix         = ".response"
	RejectedRequestSuffix  = ".syftrejected.request"
	defaultMaxMessageBytes = 4 << 20
)

// Request is a caller's RPC invocation, written to disk as "<id>.request".
type Request struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Expires   time.Time    `json:"expires"`
	Sender    string       `json:"sender"`
	URL       *syfturl.URL `json:"-"`
	Headers   Headers      `json:"headers"`
	Body      []byte       `json:"-"`
	Method    Method       `json:"method"`
}

// Response is a handler's reply, written to disk as "<id>.response".
type Response struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Expires    time.Time    `json:"expires"`
	Sender     string       `json:"sender"`
	URL        *syfturl.URL `json:"-"`
	Headers    Headers      `json:"headers"`
	Body       []byte       `json:"-"`
	StatusCode StatusCode   `json:"status_code"`
}

// wireRequest/wireResponse are the actual JSON shapes: URL as a string,
// Body base64-encoded.
type wireRequest struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Expires   time.Time `json:"expires"`
	Sender    string    `json:"sender"`
	URL       string    `json:"url"`
	Headers   Headers   `json:"headers"`
	Body      string    `json:"body"`
	Method    Method    `json:"method"`
}

type wireResponse struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Expires    time.Time  `json:"expires"`
	Sender     string     `json:"sender"`
	URL        string     `json:"url"`
	Headers    Headers    `json:"headers"`
	Body       string     `json:"body"`
	StatusCode StatusCode `json:"status_code"`
}

// NewID mints a fresh, lexically sortable message id.
func NewID() string {
	return ulid.Make().String()
}

// NewRequest builds a Request with fresh id/timestamps and the given expiry
// duration from now.
func NewRequest(sender string, url *syfturl.URL, method Method, headers Headers, body []byte, expiry time.Duration) *Request {
	now := time.Now().UTC()
	if headers == nil {
		headers = Headers{}
	}
	return &Request{
		ID:        NewID(),
		Timestamp: now,
		Expires:   now.Add(expiry),
		Sender:    sender,
		URL:       url,
		Headers:   headers,
		Body:      body,
		Method:    method,
	}
}

// Expired reports whether the request is past its expiry at time now.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.Expires)
}

// Age returns how long ago the request was created, relative to now.
func (r *Request) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// Dump serializes the request to its on-disk JSON form.
func (r *Request) Dump() ([]byte, error) {
	if r.URL == nil {
		return nil, fmt.Errorf("message: request %s has no url", r.ID)
	}
	return json.Marshal(wireRequest{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Expires:   r.Expires,
		Sender:    r.Sender,
		URL:       r.URL.String(),
		Headers:   r.Headers,
		Body:      base64.StdEncoding.EncodeToString(r.Body),
		Method:    r.Method,
	})
}

// LoadRequest parses a Request from its on-disk JSON form, rejecting
// malformed documents with a structured error.
func LoadRequest(data []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	url, err := syfturl.Parse(w.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrMalformedMessage, err)
	}
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedMessage, err)
	}
	return &Request{
		ID:        w.ID,
		Timestamp: w.Timestamp,
		Expires:   w.Expires,
		Sender:    w.Sender,
		URL:       url,
		Headers:   w.Headers,
		Body:      body,
		Method:    w.Method,
	}, nil
}

// LoadRequestFile reads and parses a request from path.
func LoadRequestFile(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadRequest(data)
}

// GetMessageHash is the caching key: SHA-256 over the semantic fields only
// (url, method, sender, headers, body) -- never id/timestamp/expires, so
// that two calls with identical intent collapse onto the same cache key.
func (r *Request) GetMessageHash() string {
	return hashFields(r.URL.String(), string(r.Method), r.Sender, r.Headers, r.Body)
}

// NewResponse builds a Response that answers req.
func NewResponse(req *Request, sender string, status StatusCode, headers Headers, body []byte) *Response {
	if headers == nil {
		headers = Headers{}
	}
	return &Response{
		ID:         req.ID,
		Timestamp:  time.Now().UTC(),
		Expires:    req.Expires,
		Sender:     sender,
		URL:        req.URL,
		Headers:    headers,
		Body:       body,
		StatusCode: status,
	}
}

// Expired reports whether the response is past its expiry at time now.
func (r *Response) Expired(now time.Time) bool {
	return now.After(r.Expires)
}

// Dump serializes the response to its on-disk JSON form.
func (r *Response) Dump() ([]byte, error) {
	if r.URL == nil {
		return nil, fmt.Errorf("message: response %s has no url", r.ID)
	}
	return json.Marshal(wireResponse{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		Expires:    r.Expires,
		Sender:     r.Sender,
		URL:        r.URL.String(),
		Headers:    r.Headers,
		Body:       base64.StdEncoding.EncodeToString(r.Body),
		StatusCode: r.StatusCode,
	})
}

// LoadResponse parses a Response from its on-disk JSON form.
func LoadResponse(data []byte) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	url, err := syfturl.Parse(w.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrMalformedMessage, err)
	}
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedMessage, err)
	}
	return &Response{
		ID:         w.ID,
		Timestamp:  w.Timestamp,
		Expires:    w.Expires,
		Sender:     w.Sender,
		URL:        url,
		Headers:    w.Headers,
		Body:       body,
		StatusCode: w.StatusCode,
	}, nil
}

// LoadResponseFile reads and parses a response from path.
func LoadResponseFile(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadResponse(data)
}

func hashFields(url, method, sender string, headers Headers, body []byte) string {
	canon := struct {
		URL     string  `json:"url"`
		Method  string  `json:"method"`
		Sender  string  `json:"sender"`
		Headers Headers `json:"headers"`
		Body    string  `json:"body"`
	}{
		URL:     url,
		Method:  method,
		Sender:  sender,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	}
	b, err := json.Marshal(canon)
	if err != nil {
		// canon has no cyclic or unsupported fields; this cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RequestFileName returns the "<id>.request" filename for id.
func RequestFileName(id string) string { return id + RequestSuffix }

// ResponseFileName returns the "<id>.response" filename for id.
func ResponseFileName(id string) string { return id + ResponseSuffix }

// RejectedFileName returns the "<id>.syftrejected.request" filename for id.
func RejectedFileName(id string) string { return id + RejectedRequestSuffix }
