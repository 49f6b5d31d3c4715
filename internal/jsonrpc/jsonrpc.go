// Package jsonrpc implements the batched JSON-RPC client used to talk to the
// management server. Multiple calls are grouped into a single HTTP round trip;
// each call gets its own result-or-fault slot in the reply.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrNotSent is returned by result lookups on a batch that was never
// dispatched, either because Send was not called or the batch was abandoned.
var ErrNotSent = errors.New("batch not sent")

// DuplicateCallError is returned when a result name is reused within a batch.
type DuplicateCallError struct {
	Name string
}

func (e *DuplicateCallError) Error() string {
	return fmt.Sprintf("duplicate call name %q in batch", e.Name)
}

// UnknownResultError is returned when a result name was never added to the batch.
type UnknownResultError struct {
	Name string
}

func (e *UnknownResultError) Error() string {
	return fmt.Sprintf("no call named %q in batch", e.Name)
}

// RemoteCallError is a fault the server returned for one specific call.
type RemoteCallError struct {
	Method  string
	Code    int
	Message string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %q failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// ServerUnreachableError means the whole batch could not reach the server.
// This is expected/transient and distinct from a per-call fault.
type ServerUnreachableError struct {
	URL string
	Err error
}

func (e *ServerUnreachableError) Error() string {
	return fmt.Sprintf("server %s unreachable: %v", e.URL, e.Err)
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Err
}

// Client issues batched JSON-RPC 2.0 requests over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

// New returns a Client for the given endpoint URL.
func New(url string) *Client {
	return NewWithHTTPClient(url, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient returns a Client using the supplied HTTP client.
func NewWithHTTPClient(url string, httpClient *http.Client) *Client {
	return &Client{url: url, httpClient: httpClient}
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string {
	return c.url
}

// Batch starts a new empty batch bound to this client.
func (c *Client) Batch() *Batch {
	return &Batch{
		client: c,
		byName: make(map[string]*call),
	}
}

// request is one call on the wire. Params are named, per the server's convention.
type request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *responseError  `json:"error"`
	ID      int64           `json:"id"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
