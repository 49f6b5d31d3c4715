package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type call struct {
	name   string
	method string
	params map[string]any
	id     int64
	result json.RawMessage
	err    error
}

// Batch accumulates named calls and sends them in one HTTP round trip.
// Calls execute server-side in insertion order, so the authenticate call must
// be added before anything that depends on it.
//
// A batch is sent at most once. Abandon suppresses the send entirely, which
// lets a caller build a speculative batch and cancel it without issuing a
// partial request.
type Batch struct {
	client     *Client
	calls      []*call
	byName     map[string]*call
	abandoned  bool
	dispatched bool
	sent       bool
}

// Call appends a named call to the batch. The result name keys the reply slot
// and must be unique within the batch.
func (b *Batch) Call(resultName, method string, params map[string]any) error {
	if _, exists := b.byName[resultName]; exists {
		return &DuplicateCallError{Name: resultName}
	}
	if params == nil {
		params = map[string]any{}
	}
	c := &call{
		name:   resultName,
		method: method,
		params: params,
		id:     b.client.nextID.Add(1),
	}
	b.calls = append(b.calls, c)
	b.byName[resultName] = c
	return nil
}

// Abandon marks the batch as not-to-be-sent. Idempotent.
func (b *Batch) Abandon() {
	b.abandoned = true
}

// Abandoned reports whether Abandon was called.
func (b *Batch) Abandoned() bool {
	return b.abandoned
}

// Sent reports whether the batch was successfully dispatched to the server.
func (b *Batch) Sent() bool {
	return b.sent
}

// Send transmits the full ordered batch as one request. It is a no-op on an
// abandoned, empty, or already-dispatched batch.
//
// A transport failure fails every call slot with a ServerUnreachableError and
// returns it. A fault the server reports for one call fails only that slot;
// Send itself still returns nil.
func (b *Batch) Send(ctx context.Context) error {
	if b.abandoned || b.dispatched || len(b.calls) == 0 {
		return nil
	}
	b.dispatched = true

	reqs := make([]request, 0, len(b.calls))
	for _, c := range b.calls {
		reqs = append(reqs, request{
			JSONRPC: "2.0",
			Method:  c.method,
			Params:  c.params,
			ID:      c.id,
		})
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return b.failAll(fmt.Errorf("marshaling batch: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.client.url, bytes.NewReader(body))
	if err != nil {
		return b.failAll(fmt.Errorf("building request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.httpClient.Do(httpReq)
	if err != nil {
		return b.failAll(&ServerUnreachableError{URL: b.client.url, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return b.failAll(&ServerUnreachableError{
			URL: b.client.url,
			Err: fmt.Errorf("server returned status %d", resp.StatusCode),
		})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return b.failAll(&ServerUnreachableError{URL: b.client.url, Err: err})
	}

	var replies []response
	if err := json.Unmarshal(data, &replies); err != nil {
		return b.failAll(&ServerUnreachableError{
			URL: b.client.url,
			Err: fmt.Errorf("decoding batch response: %w", err),
		})
	}

	byID := make(map[int64]*response, len(replies))
	for i := range replies {
		byID[replies[i].ID] = &replies[i]
	}

	for _, c := range b.calls {
		reply, ok := byID[c.id]
		if !ok {
			c.err = fmt.Errorf("no response slot for call %q (%s)", c.name, c.method)
			continue
		}
		if reply.Error != nil {
			c.err = &RemoteCallError{
				Method:  c.method,
				Code:    reply.Error.Code,
				Message: reply.Error.Message,
			}
			continue
		}
		c.result = reply.Result
	}

	b.sent = true
	return nil
}

// failAll records err on every call slot and returns it.
func (b *Batch) failAll(err error) error {
	for _, c := range b.calls {
		c.err = err
	}
	return err
}

// GetResult returns the raw result for the named call. It fails with
// ErrNotSent if the batch was never dispatched, UnknownResultError if the
// name was never added, and the call's recorded fault if the slot failed.
func (b *Batch) GetResult(resultName string) (json.RawMessage, error) {
	if !b.dispatched {
		return nil, fmt.Errorf("result %q: %w", resultName, ErrNotSent)
	}
	c, ok := b.byName[resultName]
	if !ok {
		return nil, &UnknownResultError{Name: resultName}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// Check verifies that every named slot resolved without fault, returning the
// first fault encountered. Used to batch-verify group acknowledgment without
// decoding individual values.
func (b *Batch) Check(resultNames ...string) error {
	for _, name := range resultNames {
		if _, err := b.GetResult(name); err != nil {
			return err
		}
	}
	return nil
}
