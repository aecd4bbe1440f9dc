// Package probe runs the fixed request/response exchange that verifies a
// transport connection carries traffic.
package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

const (
	headerSeparator = "\r\n\r\n"
	readChunkSize   = 4096
	// maxResponseSize bounds how much of a response is buffered.
	maxResponseSize = 1 << 20
)

// Prober sends a request over a connection and classifies the reply.
type Prober struct {
	Request string
	Timeout time.Duration
	logger  *zap.Logger
}

// New creates a Prober using the default HTTP request. A non-positive
// timeout selects common.DefaultProbeTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = common.DefaultProbeTimeout
	}
	return &Prober{Request: common.HTTPRequest, Timeout: timeout, logger: logger}
}

// Run writes the request and reads until marker shows up, the peer closes,
// or the timeout expires. With a marker, success requires a header
// separator followed by a payload containing the marker. With an empty
// marker any response counts. conn is always closed.
func (p *Prober) Run(ctx context.Context, conn net.Conn, marker string) (bool, error) {
	defer func() {
		if err := conn.Close(); err != nil {
			p.logger.Debug("Failed to close probe connection", zap.Error(err))
		}
	}()

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		p.logger.Debug("Failed to set probe deadline", zap.Error(err))
	}

	// Unblock pending I/O when the caller gives up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	if _, err := io.WriteString(conn, p.Request); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, &common.ProbeError{Reason: "write", Err: err}
	}

	response, readErr := p.read(conn, marker)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if marker == "" {
		if len(response) > 0 {
			return true, nil
		}
		return false, noResponse(readErr)
	}

	ok, err := classify(response, marker)
	if ok {
		return true, nil
	}
	if isTimeout(readErr) {
		return false, &common.ProbeError{Reason: "read", Err: common.ErrProbeTimeout}
	}
	if errors.Is(err, common.ErrNoResponse) {
		return false, noResponse(readErr)
	}
	p.logger.Debug("Unexpected probe response", zap.ByteString("response", truncate(response, 256)))
	return false, err
}

// read accumulates the response. It returns nil error on a clean stop
// (marker seen or EOF).
func (p *Prober) read(conn net.Conn, marker string) ([]byte, error) {
	var acc bytes.Buffer
	buf := make([]byte, readChunkSize)
	for acc.Len() < maxResponseSize {
		n, err := conn.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			if marker == "" || bytes.Contains(acc.Bytes(), []byte(marker)) {
				return acc.Bytes(), nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return acc.Bytes(), nil
			}
			return acc.Bytes(), err
		}
	}
	return acc.Bytes(), nil
}

// classify applies the marker rule to a complete response.
func classify(response []byte, marker string) (bool, error) {
	if len(response) == 0 {
		return false, &common.ProbeError{Reason: "read", Err: common.ErrNoResponse}
	}
	idx := bytes.Index(response, []byte(headerSeparator))
	if idx < 0 {
		return false, &common.ProbeError{Reason: "parse", Err: common.ErrHeadersOnly}
	}
	payload := response[idx+len(headerSeparator):]
	if !bytes.Contains(payload, []byte(marker)) {
		return false, &common.ProbeError{Reason: "verify", Err: common.ErrMarkerMismatch}
	}
	return true, nil
}

func noResponse(cause error) error {
	if isTimeout(cause) {
		return &common.ProbeError{Reason: "read", Err: common.ErrProbeTimeout}
	}
	if cause != nil {
		return &common.ProbeError{Reason: "read", Err: errors.Join(common.ErrNoResponse, cause)}
	}
	return &common.ProbeError{Reason: "read", Err: common.ErrNoResponse}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
