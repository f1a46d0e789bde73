// Package waclienttest provides a scripted in-memory fake of the
// waclient boundary for tests: a Client that records Open calls and hands
// out Handles whose event streams the test drives directly.
package waclienttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wamux/wamux/credstore"
	"github.com/wamux/wamux/waclient"
)

// Client is a fake waclient.Client. The zero value is usable: every Open
// returns a fresh Handle. Set OpenFunc to script failures or custom handles.
type Client struct {
	// OpenFunc, when set, replaces the default Open behavior.
	OpenFunc func(ctx context.Context, cfg waclient.Config) (waclient.Handle, error)

	mu      sync.Mutex
	opens   []waclient.Config
	handles []*Handle
}

func (c *Client) Open(ctx context.Context, cfg waclient.Config) (waclient.Handle, error) {
	c.mu.Lock()
	c.opens = append(c.opens, cfg)
	c.mu.Unlock()

	if c.OpenFunc != nil {
		return c.OpenFunc(ctx, cfg)
	}

	h := NewHandle()
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h, nil
}

// OpenCount returns how many times Open was called.
func (c *Client) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opens)
}

// OpenConfig returns the Config of the i-th Open call.
func (c *Client) OpenConfig(i int) waclient.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[i]
}

// Handle returns the i-th handle created by the default Open behavior.
func (c *Client) Handle(i int) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[i]
}

// LastHandle returns the most recently created handle.
func (c *Client) LastHandle() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

// Handle is a fake waclient.Handle driven by the test via the Emit helpers.
type Handle struct {
	mu     sync.Mutex
	events chan waclient.Event
	closed bool
}

func NewHandle() *Handle {
	return &Handle{events: make(chan waclient.Event, 32)}
}

func (h *Handle) Events() <-chan waclient.Event { return h.events }

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Emit pushes an event onto the stream. It panics if the handle was closed
// (a test scripting bug) or the buffer is full.
func (h *Handle) Emit(ev waclient.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		panic("waclienttest: Emit on closed handle")
	}
	select {
	case h.events <- ev:
	default:
		panic(fmt.Sprintf("waclienttest: event buffer full emitting %T", ev))
	}
}

func (h *Handle) EmitOpen() {
	h.Emit(waclient.StateEvent{State: waclient.StateOpen})
}

func (h *Handle) EmitClose(reason waclient.Reason) {
	h.Emit(waclient.StateEvent{State: waclient.StateClosed, Reason: reason})
}

func (h *Handle) EmitQR(code string) {
	h.Emit(waclient.StateEvent{State: waclient.StateNone, QR: code})
}

func (h *Handle) EmitCreds(creds *credstore.Creds) {
	h.Emit(waclient.CredsEvent{Creds: creds})
}

func (h *Handle) EmitError(err error) {
	h.Emit(waclient.ErrorEvent{Err: err})
}

// Compile-time interface checks
var (
	_ waclient.Client = (*Client)(nil)
	_ waclient.Handle = (*Handle)(nil)
)
