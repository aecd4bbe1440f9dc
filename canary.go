// Package canary verifies that pluggable transports can reach their servers.
// It discovers transport configs, dials each through its protocol, sends a
// probe and records pass/fail results with optional packet captures.
package canary

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ghostshell/app/canary/capture"
	"ghostshell/app/canary/common"
	"ghostshell/app/canary/netif"
	"ghostshell/app/canary/probe"
	"ghostshell/app/canary/registry"
	"ghostshell/app/canary/results"
	"ghostshell/app/canary/transports"
	"ghostshell/app/canary/webcheck"
)

// State of a run.
type State int

const (
	StateIdle State = iota
	StateValidatingSetup
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidatingSetup:
		return "validating"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Observer is told about results as they are recorded.
// visualization.Visualizer implements it.
type Observer interface {
	ResultRecorded(result common.TestResult)
	BatchCompleted(batch int)
	CaptureFailed()
}

// Progress is a snapshot of a running test session.
type Progress struct {
	State        State  `json:"state"`
	Batch        int    `json:"batch"`
	TotalBatches int    `json:"total_batches"`
	Current      string `json:"current,omitempty"`
	Completed    int    `json:"completed"`
	Total        int    `json:"total"`
}

// Summary describes a finished run.
type Summary struct {
	RunID       string              `json:"run_id"`
	State       State               `json:"state"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     time.Time           `json:"end_time"`
	Interface   string              `json:"interface"`
	Transports  []string            `json:"transports"`
	Results     []common.TestResult `json:"results"`
	Passed      int                 `json:"passed"`
	Failed      int                 `json:"failed"`
	ResultsPath string              `json:"results_path"`
	Archives    []string            `json:"archives,omitempty"`
	Reports     []string            `json:"reports,omitempty"`
}

// Option customizes a Canary.
type Option func(*Canary)

// WithDialer replaces the transport factory.
func WithDialer(d transports.Dialer) Option {
	return func(c *Canary) { c.dialer = d }
}

// WithCaptureBackend replaces the pcap recorder. A nil backend disables
// capture.
func WithCaptureBackend(b capture.Backend) Option {
	return func(c *Canary) {
		c.backend = b
		c.backendSet = true
	}
}

// WithInterfaceLister replaces host interface enumeration.
func WithInterfaceLister(l netif.Lister) Option {
	return func(c *Canary) { c.lister = l }
}

// WithWebChecker replaces the HTTP reachability checker.
func WithWebChecker(w webcheck.Checker) Option {
	return func(c *Canary) { c.web = w }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(c *Canary) { c.observer = o }
}

// WithProgress registers a progress callback.
func WithProgress(cb common.ProgressCallback) Option {
	return func(c *Canary) { c.progressCallback = cb }
}

// Canary runs test sessions for one configuration. Only one session runs
// at a time.
type Canary struct {
	cfg    *Config
	logger *zap.Logger

	registry         *registry.Registry
	dialer           transports.Dialer
	prober           *probe.Prober
	backend          capture.Backend
	backendSet       bool
	capture          *capture.Controller
	lister           netif.Lister
	web              webcheck.Checker
	observer         Observer
	progressCallback common.ProgressCallback

	// attemptMu serializes capture start, dial, probe, capture stop and append.
	attemptMu sync.Mutex

	mu       sync.Mutex
	running  bool
	progress Progress
	results  []common.TestResult
}

// New creates a Canary. cfg is validated and defaults are applied to it.
func New(cfg *Config, logger *zap.Logger, opts ...Option) (*Canary, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Canary{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(logger),
		lister:   netif.List,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		c.dialer = transports.NewFactory(logger)
	}
	if c.web == nil {
		c.web = webcheck.New(common.DefaultWebTimeout, logger)
	}
	if !c.backendSet && !cfg.DisableCapture {
		c.backend = capture.NewPcapRecorder(cfg.CaptureDir, cfg.DebugCapture, logger)
	}
	c.prober = probe.New(cfg.ProbeTimeout, logger)
	c.capture = capture.NewController(c.backend, logger)
	return c, nil
}

// Config returns the validated configuration.
func (c *Canary) Config() *Config { return c.cfg }

// Capture exposes the capture controller.
func (c *Canary) Capture() *capture.Controller { return c.capture }

// Progress returns a snapshot of the current session.
func (c *Canary) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// State returns the state of the current or last session.
func (c *Canary) State() State {
	return c.Progress().State
}

// Results returns the results recorded so far in the current or last session.
func (c *Canary) Results() []common.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.TestResult, len(c.results))
	copy(out, c.results)
	return out
}

// Run validates the setup and runs every batch on the calling goroutine.
// Persistence failures do not stop the run; they are returned joined with
// the summary.
func (c *Canary) Run(ctx context.Context) (*Summary, error) {
	if !c.begin() {
		return nil, common.ErrAlreadyRunning
	}
	defer c.end()

	plan, err := c.setup()
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, plan)
}

// Start validates the setup synchronously, then runs the batches on a
// background goroutine.
func (c *Canary) Start(ctx context.Context) (*Task, error) {
	if !c.begin() {
		return nil, common.ErrAlreadyRunning
	}

	plan, err := c.setup()
	if err != nil {
		c.end()
		return nil, err
	}

	c.setState(StateRunning)
	ctx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:     plan.runID,
		canary: c,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(task.done)
		defer c.end()
		defer cancel()
		task.summary, task.err = c.execute(ctx, plan)
	}()
	return task, nil
}

func (c *Canary) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.results = nil
	c.progress = Progress{State: StateValidatingSetup, TotalBatches: c.cfg.BatchCount}
	return true
}

func (c *Canary) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *Canary) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.State = s
}

// runPlan is everything setup validation established.
type runPlan struct {
	runID       string
	startTime   time.Time
	descriptors []transports.Descriptor
	iface       string
	outputDir   string
	store       *results.Store
}

// setup checks every precondition. Nothing touches the network here.
func (c *Canary) setup() (*runPlan, error) {
	fail := func(err error) (*runPlan, error) {
		c.setState(StateFailed)
		c.logger.Error("Setup failed", zap.Error(err))
		return nil, err
	}

	descriptors, err := c.registry.Discover(c.cfg.ConfigDir)
	if err != nil {
		return fail(err)
	}

	if c.cfg.SaveDir != "" && !common.DirExists(c.cfg.SaveDir) {
		return fail(&common.SetupError{Op: "validate save directory", Path: c.cfg.SaveDir, Err: common.ErrNoSaveDirectory})
	}

	iface, err := netif.Resolve(c.cfg.Interface, c.lister, c.logger)
	if err != nil {
		return fail(err)
	}

	outputDir := c.cfg.SaveDir
	if outputDir == "" {
		outputDir = appDataDir()
	}

	start := time.Now()
	plan := &runPlan{
		runID:       start.Format(runIDFormat),
		startTime:   start,
		descriptors: descriptors,
		iface:       iface,
		outputDir:   outputDir,
		store:       results.NewStore(outputDir, start, c.logger),
	}

	perBatch := len(descriptors)
	if c.cfg.RunWebTests {
		perBatch += len(c.cfg.WebTests)
	}
	c.mu.Lock()
	c.progress.Total = perBatch * c.cfg.BatchCount
	c.mu.Unlock()

	c.logger.Info("Setup complete",
		zap.String("run_id", plan.runID),
		zap.Int("transports", len(descriptors)),
		zap.Int("batches", c.cfg.BatchCount),
		zap.String("interface", iface),
		zap.String("output_dir", outputDir),
	)
	return plan, nil
}

// execute runs the batches of a validated plan.
func (c *Canary) execute(ctx context.Context, plan *runPlan) (*Summary, error) {
	c.setState(StateRunning)

	summary := &Summary{
		RunID:       plan.runID,
		StartTime:   plan.startTime,
		Interface:   plan.iface,
		ResultsPath: plan.store.Path(),
	}
	for _, desc := range plan.descriptors {
		summary.Transports = append(summary.Transports, desc.Name)
	}

	var errs []error
	cancelled := false
	for batch := 1; batch <= c.cfg.BatchCount && !cancelled; batch++ {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		c.logger.Info("Starting batch",
			zap.Int("batch", batch),
			zap.Int("total_batches", c.cfg.BatchCount),
		)
		c.mu.Lock()
		c.progress.Batch = batch
		c.mu.Unlock()

		cancelled = c.runBatch(ctx, batch, plan, summary, &errs)

		archiveCtx, cancel := context.WithTimeout(context.Background(), common.DefaultArchiveTimeout)
		archive, err := results.Archive(archiveCtx, c.cfg.CaptureDir, plan.outputDir, c.logger)
		cancel()
		if err != nil {
			c.logger.Error("Failed to archive capture data", zap.Error(err))
			errs = append(errs, err)
		} else if archive != "" {
			summary.Archives = append(summary.Archives, archive)
		}

		if !cancelled {
			if c.observer != nil {
				c.observer.BatchCompleted(batch)
			}
			c.report(batch, "", "batch complete")
		}
	}

	summary.EndTime = time.Now()
	summary.Passed, summary.Failed = tally(summary.Results)

	if c.cfg.ReportFormat != "" && len(summary.Results) > 0 {
		reports, err := generateReports(summary, c.cfg.ReportFormat, filepath.Join(plan.outputDir, common.ReportDir))
		if err != nil {
			c.logger.Error("Failed to generate reports", zap.Error(err))
		}
		summary.Reports = reports
		for _, path := range reports {
			c.logger.Info("Generated report", zap.String("path", path))
		}
	}

	if cancelled {
		summary.State = StateCancelled
		c.setState(StateCancelled)
		c.logger.Warn("Run cancelled",
			zap.String("run_id", plan.runID),
			zap.Int("results", len(summary.Results)),
		)
		return summary, errors.Join(append([]error{ctx.Err()}, errs...)...)
	}

	summary.State = StateCompleted
	c.setState(StateCompleted)
	c.logger.Info("Run complete",
		zap.String("run_id", plan.runID),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.EndTime.Sub(summary.StartTime)),
	)
	return summary, errors.Join(errs...)
}

// runBatch tests every transport, then every web test, in order. It
// reports whether ctx was cancelled before the batch finished.
func (c *Canary) runBatch(ctx context.Context, batch int, plan *runPlan, summary *Summary, errs *[]error) bool {
	for _, desc := range plan.descriptors {
		if ctx.Err() != nil {
			return true
		}
		c.report(batch, desc.Name, "testing")
		result := c.bracket(batch, desc.Target(), desc.Name, desc.ServerAddress, desc.ServerPort, plan, func() (bool, error) {
			return c.testTransport(ctx, desc)
		})
		c.record(result, plan, summary, errs)
	}

	if !c.cfg.RunWebTests {
		return false
	}
	for _, test := range c.cfg.WebTests {
		if ctx.Err() != nil {
			return true
		}
		c.report(batch, test.Name, "testing")
		host, port := webEndpoint(test)
		result := c.bracket(batch, test.Website, test.Name, host, port, plan, func() (bool, error) {
			return c.web.Check(ctx, test)
		})
		c.record(result, plan, summary, errs)
	}
	return false
}

// bracket runs one attempt between a capture start and stop. Stop is
// called exactly once on every path, including a panic in test.
func (c *Canary) bracket(batch int, target, name, host string, port uint16, plan *runPlan, test func() (bool, error)) (result common.TestResult) {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	result = common.TestResult{Target: target, TransportName: name, Batch: batch}
	started := time.Now()
	failures := c.capture.Failures()

	stopped := false
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Test attempt panicked", zap.String("transport", name), zap.Any("panic", r))
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
			result.TestDate = time.Now()
			result.Duration = time.Since(started)
			if !stopped {
				stopped = true
				c.capture.Stop(nil)
			}
		}
		if c.observer != nil {
			for i := failures; i < c.capture.Failures(); i++ {
				c.observer.CaptureFailed()
			}
		}
	}()

	c.capture.Start(host, port, plan.iface)

	ok, err := test()
	result.Success = ok
	if err != nil {
		result.Error = err.Error()
	}
	result.TestDate = time.Now()
	result.Duration = time.Since(started)

	stopped = true
	c.capture.Stop(&result)
	return result
}

// testTransport dials desc and runs the probe over the connection. A dial
// failure is a failed test and the probe is skipped.
func (c *Canary) testTransport(ctx context.Context, desc transports.Descriptor) (bool, error) {
	conn, err := c.dialer.Dial(ctx, desc, c.cfg.DialTimeout)
	if err != nil {
		c.logger.Warn("Failed to connect",
			zap.String("transport", desc.Name),
			zap.String("target", desc.Target()),
			zap.Error(err),
		)
		return false, err
	}

	ok, err := c.prober.Run(ctx, conn, c.cfg.ProbeMarker())
	if err != nil {
		c.logger.Warn("Probe failed",
			zap.String("transport", desc.Name),
			zap.String("target", desc.Target()),
			zap.Error(err),
		)
	}
	return ok, err
}

// record appends result to the log and notifies the observer.
func (c *Canary) record(result common.TestResult, plan *runPlan, summary *Summary, errs *[]error) {
	if err := plan.store.Append(result); err != nil {
		c.logger.Error("Failed to save result", zap.String("transport", result.TransportName), zap.Error(err))
		*errs = append(*errs, err)
	}
	summary.Results = append(summary.Results, result)

	c.mu.Lock()
	c.results = append(c.results, result)
	c.progress.Completed++
	c.progress.Current = ""
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ResultRecorded(result)
	}
	c.logger.Info("Test complete",
		zap.Int("batch", result.Batch),
		zap.String("transport", result.TransportName),
		zap.String("target", result.Target),
		zap.Bool("success", result.Success),
		zap.Duration("duration", result.Duration),
	)
	c.report(result.Batch, result.TransportName, result.Status())
}

func (c *Canary) report(batch int, target, status string) {
	if target != "" && status == "testing" {
		c.mu.Lock()
		c.progress.Current = target
		c.mu.Unlock()
	}
	if c.progressCallback != nil {
		c.progressCallback(batch, c.cfg.BatchCount, target, status)
	}
}

func tally(results []common.TestResult) (passed, failed int) {
	for _, r := range results {
		if r.Success {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// webEndpoint returns the host and port a web test connects to, for the
// capture filter.
func webEndpoint(test common.WebTest) (string, uint16) {
	raw, err := webcheck.URL(test)
	if err != nil {
		return test.Website, test.Port
	}
	u, err := url.Parse(raw)
	if err != nil {
		return test.Website, test.Port
	}
	port := test.Port
	if port == 0 {
		port = 443
		if u.Scheme == "http" {
			port = 80
		}
	}
	return u.Hostname(), port
}

// Task is a run executing on a background goroutine.
type Task struct {
	ID string

	canary  *Canary
	cancel  context.CancelFunc
	done    chan struct{}
	summary *Summary
	err     error
}

// Wait blocks until the run finishes.
func (t *Task) Wait() (*Summary, error) {
	<-t.done
	return t.summary, t.err
}

// Done is closed when the run finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel stops the run before its next attempt.
func (t *Task) Cancel() { t.cancel() }

// State returns the run state.
func (t *Task) State() State { return t.canary.State() }

// Progress returns a snapshot of the run.
func (t *Task) Progress() Progress { return t.canary.Progress() }

// Results returns the results recorded so far.
func (t *Task) Results() []common.TestResult { return t.canary.Results() }

// InitializeLogger builds a production logger writing to stdout and to a
// timestamped file under common.LogDir. The returned func flushes it.
func InitializeLogger(level string) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(common.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var logLevel zapcore.Level
	switch level {
	case "debug":
		logLevel = zapcore.DebugLevel
	case "info":
		logLevel = zapcore.InfoLevel
	case "warn":
		logLevel = zapcore.WarnLevel
	case "error":
		logLevel = zapcore.ErrorLevel
	default:
		logLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{
		filepath.Join(common.LogDir, fmt.Sprintf("canary_%s.log", time.Now().Format(runIDFormat))),
		"stdout",
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger, func() { _ = logger.Sync() }, nil
}
