package probe

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostshell/app/canary/common"
)

// closeTracker records whether Close was called.
type closeTracker struct {
	net.Conn
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// fakeServer answers the probe request with response. When hang is set it
// keeps the connection open without closing.
func fakeServer(t *testing.T, response string, hang bool) *closeTracker {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	go func() {
		req := make([]byte, len(common.HTTPRequest))
		if _, err := io.ReadFull(server, req); err != nil {
			return
		}
		if response != "" {
			if _, err := server.Write([]byte(response)); err != nil {
				return
			}
		}
		if !hang {
			_ = server.Close()
		}
	}()
	return &closeTracker{Conn: client}
}

func TestRunMarkerAfterSeparator(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\nServer: x\r\n\r\nYeah!\n", false)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, conn.closed.Load())
}

func TestRunStopsReadingOnceMarkerSeen(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\n\r\nYeah!\n", true)
	start := time.Now()
	ok, err := New(5*time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunHeadersOnly(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n", false)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrHeadersOnly)
	assert.True(t, conn.closed.Load())
}

func TestRunMarkerOnlyInHeaders(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\nX-Note: Yeah!\n\r\n\r\nnope", false)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.Error(t, err)
}

func TestRunMarkerMismatch(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 403 Forbidden\r\n\r\nblocked", false)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrMarkerMismatch)
}

func TestRunNoResponse(t *testing.T) {
	conn := fakeServer(t, "", false)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrNoResponse)
}

func TestRunWithoutMarkerAcceptsAnyResponse(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\n", true)
	ok, err := New(time.Second, nil).Run(context.Background(), conn, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, conn.closed.Load())
}

func TestRunTimesOutOnHungTransport(t *testing.T) {
	conn := fakeServer(t, "", true)
	start := time.Now()
	ok, err := New(150*time.Millisecond, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrProbeTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, conn.closed.Load())
}

func TestRunTimesOutAfterHeaders(t *testing.T) {
	conn := fakeServer(t, "HTTP/1.0 200 OK\r\n", true)
	ok, err := New(150*time.Millisecond, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, common.ErrProbeTimeout)
}

func TestRunHonoursContextCancel(t *testing.T) {
	conn := fakeServer(t, "", true)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	ok, err := New(10*time.Second, nil).Run(ctx, conn, common.CanaryString)
	assert.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, conn.closed.Load())
}

func TestRunWriteFailure(t *testing.T) {
	client, server := net.Pipe()
	require.NoError(t, server.Close())
	conn := &closeTracker{Conn: client}

	ok, err := New(time.Second, nil).Run(context.Background(), conn, common.CanaryString)
	assert.False(t, ok)
	var probeErr *common.ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.Equal(t, "write", probeErr.Reason)
	assert.True(t, conn.closed.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		response string
		want     bool
	}{
		{"HTTP/1.0 200 OK\r\n\r\nYeah!\n", true},
		{"\r\n\r\nprefix Yeah!\n suffix", true},
		{"Yeah!\n", false},
		{"HTTP/1.0 200 OK\r\n\r\nYeah!", false},
		{"", false},
	}
	for _, tt := range tests {
		got, _ := classify([]byte(tt.response), common.CanaryString)
		assert.Equal(t, tt.want, got, "%q", tt.response)
	}
}
