package common

import (
	"errors"
	"fmt"
)

// Setup failures. These abort a run before any connection attempt.
var (
	ErrNoConfigDirectory = errors.New("config directory does not exist")
	ErrNoSaveDirectory   = errors.New("save directory does not exist")
	ErrNoValidTransports = errors.New("no valid transport configs found")
	ErrNoInterfaceFound  = errors.New("unable to identify a likely interface")
)

// Dial and probe failures. These become failed test results.
var (
	ErrInvalidConfigForType = errors.New("config does not match transport type")
	ErrUnknownTransportType = errors.New("unknown transport type")
	ErrUnsupportedProtocol  = errors.New("transport protocol is not implemented")
	ErrNoResponse           = errors.New("no response received")
	ErrHeadersOnly          = errors.New("response contained only headers")
	ErrMarkerMismatch       = errors.New("response did not contain the expected marker")
	ErrProbeTimeout         = errors.New("timed out waiting for response")
)

var (
	// ErrAlreadyRunning is returned when a run is started while another is active.
	ErrAlreadyRunning = errors.New("a test run is already in progress")
	// ErrUnsupportedPlatform is returned by capture backends that cannot run here.
	ErrUnsupportedPlatform = errors.New("packet capture is not supported on this platform")
	// ErrRecordingActive is returned when a backend is asked to start twice.
	ErrRecordingActive = errors.New("a recording is already active")
)

// SetupError describes which precondition of a run failed.
type SetupError struct {
	Op   string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("setup %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// DiscoveryError is a config file that matched a transport keyword but
// could not be parsed.
type DiscoveryError struct {
	Path string
	Type string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to parse %s config %s: %v", e.Type, e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DialError is a transport specific connection failure.
type DialError struct {
	Transport string
	Err       error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Transport, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ProbeError is a failed probe exchange.
type ProbeError struct {
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("probe: %v", e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.Reason, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// PersistenceError is a result log or archive failure. It never rolls back
// recorded results and is reported at the end of a run.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
