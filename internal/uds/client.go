package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonUnavailable wraps dial failures so callers can tell a stopped
// daemon apart from a failed request.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// Client sends one request per connection to a daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
	dialer     net.Dialer
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultConnTimeout,
	}
}

// SetTimeout bounds dialing plus the full request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) SocketPath() string { return c.socketPath }

// Do sends req and waits for the response. The exchange is bounded by the
// client timeout and by ctx, whichever ends first.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w: %w\n"+
			"Is the daemon running? Start it with: autopilot daemon",
			c.socketPath, ErrDaemonUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.Do(context.Background(), req)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	return c.SendCommandContext(context.Background(), command, params)
}

func (c *Client) SendCommandContext(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Call sends command and decodes the response data into out.
func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}

func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	resp, err := c.SendCommandContext(ctx, command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
