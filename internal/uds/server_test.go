package uds

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short socket path. macOS limits sun_path to 104 bytes,
// which t.TempDir() can exceed.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "ap-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "t.sock")
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, *Client) {
	t.Helper()
	path := socketPath(t)
	srv := NewServer(path, nil, opts...)
	srv.Handle(CmdPing, func(context.Context, *Request) *Response {
		return SuccessResponse(map[string]string{"status": "pong"})
	})
	srv.Handle("echo", func(_ context.Context, req *Request) *Response {
		var params map[string]string
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(params)
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	client := NewClient(path)
	client.SetTimeout(5 * time.Second)
	return srv, client
}

func TestServer_Dispatch(t *testing.T) {
	_, client := startServer(t)

	var pong map[string]string
	require.NoError(t, client.Call(CmdPing, nil, &pong))
	assert.Equal(t, "pong", pong["status"])

	var echoed map[string]string
	require.NoError(t, client.Call("echo", map[string]string{"msg": "hello"}, &echoed))
	assert.Equal(t, "hello", echoed["msg"])

	err := client.Call("echo", nil, &echoed)
	var detail *ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, ErrCodeValidation, detail.Code)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.SendCommand("nonexistent", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	_, client := startServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: CmdPing})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestServer_NilHandlerResponseIsSuccess(t *testing.T) {
	srv, client := startServer(t)
	srv.Handle("noop", func(context.Context, *Request) *Response { return nil })

	resp, err := client.SendCommand("noop", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_HandlerPanicBecomesInternalError(t *testing.T) {
	srv, client := startServer(t)
	srv.Handle("explode", func(context.Context, *Request) *Response {
		panic("boom")
	})

	resp, err := client.SendCommand("explode", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "boom")

	require.NoError(t, client.Call(CmdPing, nil, nil), "server keeps serving after a panic")
}

func TestServer_HandlerContextHasDeadline(t *testing.T) {
	srv, client := startServer(t, WithConnTimeout(2*time.Second))
	srv.Handle("deadline", func(ctx context.Context, _ *Request) *Response {
		dl, ok := ctx.Deadline()
		return SuccessResponse(map[string]any{"ok": ok, "within": time.Until(dl) <= 2*time.Second})
	})

	var out map[string]bool
	require.NoError(t, client.Call("deadline", nil, &out))
	assert.True(t, out["ok"])
	assert.True(t, out["within"])
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv, _ := startServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(srv.socketPath)
			c.SetTimeout(5 * time.Second)
			errs <- c.Call(CmdPing, nil, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_RejectsBeyondMaxConns(t *testing.T) {
	srv, client := startServer(t, WithMaxConns(1))

	entered := make(chan struct{})
	release := make(chan struct{})
	srv.Handle("hold", func(context.Context, *Request) *Response {
		close(entered)
		<-release
		return SuccessResponse(nil)
	})

	held := make(chan error, 1)
	go func() { held <- client.Call("hold", nil, nil) }()
	<-entered

	resp, err := client.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBusy, resp.Error.Code)

	close(release)
	require.NoError(t, <-held)

	require.Eventually(t, func() bool {
		return client.Call(CmdPing, nil, nil) == nil
	}, 2*time.Second, 20*time.Millisecond, "slot should be released after the held request")
}

func TestServer_Observer(t *testing.T) {
	type call struct{ command, code string }
	var (
		mu    sync.Mutex
		calls []call
	)
	_, client := startServer(t, WithObserver(func(command, code string, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, call{command, code})
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	}))

	require.NoError(t, client.Call(CmdPing, nil, nil))
	_, err := client.SendCommand("missing", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call{{CmdPing, "ok"}, {"missing", ErrCodeUnknownCommand}}, calls)
}

func TestServer_IdleConnectionTimesOut(t *testing.T) {
	srv, client := startServer(t, WithConnTimeout(300*time.Millisecond))

	conn, err := net.Dial("unix", srv.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	// Send nothing. The server should drop the connection at its deadline.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close before the client read deadline")
	}

	require.NoError(t, client.Call(CmdPing, nil, nil))
}

func TestServer_SocketPermissions(t *testing.T) {
	srv, _ := startServer(t)

	info, err := os.Stat(srv.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServer_StartReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	srv := NewServer(path, nil)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}

func TestServer_StopRemovesSocket(t *testing.T) {
	path := socketPath(t)
	srv := NewServer(path, nil)
	require.NoError(t, srv.Start())
	require.FileExists(t, path)

	require.NoError(t, srv.Stop())
	assert.NoFileExists(t, path)
}

func TestServer_StopWithoutStart(t *testing.T) {
	srv := NewServer(socketPath(t), nil)
	assert.NoError(t, srv.Stop())
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDaemonUnavailable)
	assert.Contains(t, err.Error(), "connect to daemon")
	assert.Contains(t, err.Error(), "autopilot daemon")
}

func TestClient_ContextCancelUnblocksCall(t *testing.T) {
	srv, client := startServer(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	srv.Handle("hold", func(context.Context, *Request) *Response {
		close(entered)
		<-release
		return SuccessResponse(nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.CallContext(ctx, "hold", nil, nil) }()

	<-entered
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("CallContext did not return after cancel")
	}
}

func TestClient_TimeoutBoundsCall(t *testing.T) {
	srv, client := startServer(t)
	release := make(chan struct{})
	defer close(release)
	srv.Handle("hold", func(context.Context, *Request) *Response {
		<-release
		return SuccessResponse(nil)
	})

	client.SetTimeout(200 * time.Millisecond)
	start := time.Now()
	err := client.Call("hold", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
