package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds a request whose context has no deadline
const DefaultTimeout = 5 * time.Second

// Client talks to the daemon over its Unix socket. Each request uses its
// own connection.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultTimeout,
	}
}

// Do sends req and waits for the daemon's response. The context deadline
// bounds the whole exchange; without one the client timeout applies.
// A failed response is returned as-is; use Response.Err to inspect it.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	// Cancellation before the deadline expires the connection immediately.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := roundTrip(conn, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("daemon request %s: %w", req.Command, ctxErr)
		}
		return nil, fmt.Errorf("daemon request %s: %w", req.Command, err)
	}

	if resp.Status != StatusOK && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid response status: %q", resp.Status)
	}

	return resp, nil
}

func roundTrip(conn net.Conn, req *Request) (*Response, error) {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return &resp, nil
}

// Call is Do followed by Response.Err.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// SetTimeout sets the timeout used when the context has no deadline
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
