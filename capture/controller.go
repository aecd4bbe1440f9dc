// Package capture brackets each test attempt with a traffic recording.
package capture

import (
	"sync"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

// Backend records traffic. StartRecording returns once the recording is
// ready to capture packets.
type Backend interface {
	StartRecording(target string, port uint16, iface string) error
	// StopRecording ends the active recording. When classified is false the
	// success flag carries no meaning.
	StopRecording(classified, success bool) error
}

// State of a Controller.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Controller owns the single recording slot. Capture is best-effort: a
// backend failure is logged and never blocks the test it brackets.
type Controller struct {
	mu       sync.Mutex
	backend  Backend
	logger   *zap.Logger
	state    State
	target   string
	starts   int
	stops    int
	failures int
}

// NewController creates a Controller. A nil backend records nothing.
func NewController(backend Backend, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{backend: backend, logger: logger}
}

// Start begins recording traffic for target. A recording still active from
// a previous attempt is stopped unclassified first. Backend errors are
// logged and counted in Failures; the test runs unrecorded.
func (c *Controller) Start(target string, port uint16, iface string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.starts++
	if c.state == Recording {
		c.logger.Warn("Recording still active, stopping it unclassified", zap.String("target", c.target))
		c.stopLocked(nil)
	}
	if c.backend == nil {
		return
	}

	if err := c.backend.StartRecording(target, port, iface); err != nil {
		c.failures++
		c.logger.Error("Failed to start recording",
			zap.String("target", target),
			zap.String("interface", iface),
			zap.Error(err),
		)
		return
	}

	c.state = Recording
	c.target = target
	c.logger.Debug("Recording started",
		zap.String("target", target),
		zap.Uint16("port", port),
		zap.String("interface", iface),
	)
}

// Stop ends the active recording and tags it with result.Success. A nil
// result stops without classifying. Stop while Idle does nothing.
func (c *Controller) Stop(result *common.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.stopLocked(result)
}

func (c *Controller) stopLocked(result *common.TestResult) {
	if c.state != Recording {
		return
	}
	c.state = Idle

	classified := result != nil
	success := classified && result.Success
	if err := c.backend.StopRecording(classified, success); err != nil {
		c.failures++
		c.logger.Error("Failed to stop recording", zap.String("target", c.target), zap.Error(err))
		return
	}
	c.logger.Debug("Recording stopped",
		zap.String("target", c.target),
		zap.Bool("classified", classified),
		zap.Bool("success", success),
	)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Starts returns the number of Start calls.
func (c *Controller) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Stops returns the number of Stop calls.
func (c *Controller) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Failures returns the number of backend errors seen.
func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
