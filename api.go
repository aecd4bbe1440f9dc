package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ghostshell/app/canary/common"
	"ghostshell/app/canary/netif"
	"ghostshell/app/canary/registry"
	"ghostshell/app/canary/visualization"
)

// API represents the REST API for starting and inspecting canary runs
type API struct {
	Router     *mux.Router
	Config     *Config
	Logger     *zap.Logger
	Visualizer *visualization.Visualizer
	Interfaces netif.Lister

	options []Option

	mu    sync.Mutex
	runs  map[string]*apiRun
	order []string
}

type apiRun struct {
	id      string
	task    *Task
	started time.Time
}

// NewAPI creates a new API instance. opts are applied to every run it starts.
func NewAPI(config *Config, logger *zap.Logger, opts ...Option) (*API, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		Router:     mux.NewRouter(),
		Config:     config,
		Logger:     logger,
		Visualizer: visualization.NewVisualizer(logger),
		Interfaces: netif.List,
		options:    opts,
		runs:       make(map[string]*apiRun),
	}

	api.registerRoutes()

	return api, nil
}

// registerRoutes sets up the API routes
func (api *API) registerRoutes() {
	v1 := api.Router.PathPrefix("/api/v1").Subrouter()

	// Run endpoints
	v1.HandleFunc("/runs", api.handleGetAllRuns).Methods("GET")
	v1.HandleFunc("/runs", api.handleCreateRun).Methods("POST")
	v1.HandleFunc("/runs/{id}", api.handleGetRun).Methods("GET")
	v1.HandleFunc("/runs/{id}/cancel", api.handleCancelRun).Methods("POST")
	v1.HandleFunc("/runs/{id}/results", api.handleGetRunResults).Methods("GET")
	v1.HandleFunc("/runs/{id}/report", api.handleGenerateReport).Methods("POST")

	// Environment endpoints
	v1.HandleFunc("/transports", api.handleGetTransports).Methods("GET")
	v1.HandleFunc("/interfaces", api.handleGetInterfaces).Methods("GET")
	v1.HandleFunc("/config", api.handleGetConfig).Methods("GET")

	// Dashboard, live results and metrics
	api.Router.PathPrefix("/").Handler(api.Visualizer.Handler())
}

// Run serves the API on addr until ctx is cancelled.
func (api *API) Run(ctx context.Context, addr string) error {
	api.Logger.Info("Starting API server", zap.String("address", addr))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type runInfo struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time"`
	Progress    Progress  `json:"progress"`
	Finished    bool      `json:"finished"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	ResultsPath string    `json:"results_path,omitempty"`
	Archives    []string  `json:"archives,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (r *apiRun) info() runInfo {
	info := runInfo{
		ID:        r.id,
		State:     r.task.State(),
		StartTime: r.started,
		Progress:  r.task.Progress(),
	}
	info.Passed, info.Failed = tally(r.task.Results())

	select {
	case <-r.task.Done():
		info.Finished = true
		summary, err := r.task.Wait()
		if summary != nil {
			info.ResultsPath = summary.ResultsPath
			info.Archives = summary.Archives
		}
		if err != nil {
			info.Error = err.Error()
		}
	default:
	}
	return info
}

func (api *API) lookup(r *http.Request) (*apiRun, bool) {
	api.mu.Lock()
	defer api.mu.Unlock()
	run, ok := api.runs[mux.Vars(r)["id"]]
	return run, ok
}

// activeLocked returns the run still executing, if any. api.mu must be held.
func (api *API) activeLocked() *apiRun {
	for _, run := range api.runs {
		select {
		case <-run.task.Done():
		default:
			return run
		}
	}
	return nil
}

// handleGetAllRuns returns every run started by this server, oldest first
func (api *API) handleGetAllRuns(w http.ResponseWriter, r *http.Request) {
	api.mu.Lock()
	runs := make([]*apiRun, 0, len(api.order))
	for _, id := range api.order {
		runs = append(runs, api.runs[id])
	}
	api.mu.Unlock()

	infos := make([]runInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, run.info())
	}
	api.respondWithJSON(w, http.StatusOK, infos)
}

// runRequest overrides the server configuration for a single run.
type runRequest struct {
	ConfigDir    *string `json:"config_dir,omitempty"`
	SaveDir      *string `json:"save_dir,omitempty"`
	BatchCount   *int    `json:"batch_count,omitempty"`
	Interface    *string `json:"interface,omitempty"`
	RunWebTests  *bool   `json:"run_web_tests,omitempty"`
	ReportFormat *string `json:"report_format,omitempty"`
}

func (req runRequest) apply(cfg *Config) {
	if req.ConfigDir != nil {
		cfg.ConfigDir = *req.ConfigDir
	}
	if req.SaveDir != nil {
		cfg.SaveDir = *req.SaveDir
	}
	if req.BatchCount != nil {
		cfg.BatchCount = *req.BatchCount
	}
	if req.Interface != nil {
		cfg.Interface = *req.Interface
	}
	if req.RunWebTests != nil {
		cfg.RunWebTests = *req.RunWebTests
	}
	if req.ReportFormat != nil {
		cfg.ReportFormat = *req.ReportFormat
	}
}

// handleCreateRun validates the setup and starts a run in the background
func (api *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	cfg := *api.Config
	cfg.WebTests = append([]common.WebTest(nil), api.Config.WebTests...)
	req.apply(&cfg)

	api.mu.Lock()
	defer api.mu.Unlock()

	if active := api.activeLocked(); active != nil {
		api.respondWithError(w, http.StatusConflict, fmt.Sprintf("Run %s is still in progress", active.id))
		return
	}

	opts := append(append([]Option(nil), api.options...), WithObserver(api.Visualizer))
	c, err := New(&cfg, api.Logger, opts...)
	if err != nil {
		api.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid configuration: %v", err))
		return
	}

	task, err := c.Start(context.Background())
	if err != nil {
		var setupErr *common.SetupError
		if errors.As(err, &setupErr) {
			api.respondWithError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start run: %v", err))
		return
	}

	id := task.ID
	for i := 1; api.runs[id] != nil; i++ {
		id = fmt.Sprintf("%s_%d", task.ID, i)
	}
	api.runs[id] = &apiRun{id: id, task: task, started: time.Now()}
	api.order = append(api.order, id)

	api.Logger.Info("Run started", zap.String("id", id), zap.String("config_dir", cfg.ConfigDir))
	api.respondWithJSON(w, http.StatusAccepted, map[string]string{
		"id":      id,
		"status":  task.State().String(),
		"message": "Run started successfully",
	})
}

// handleGetRun returns the state and progress of a run
func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookup(r)
	if !ok {
		api.respondWithError(w, http.StatusNotFound, "Run not found")
		return
	}
	api.respondWithJSON(w, http.StatusOK, run.info())
}

// handleCancelRun stops a run before its next attempt
func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookup(r)
	if !ok {
		api.respondWithError(w, http.StatusNotFound, "Run not found")
		return
	}

	select {
	case <-run.task.Done():
		api.respondWithError(w, http.StatusConflict, "Run already finished")
		return
	default:
	}

	run.task.Cancel()
	api.respondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Run cancellation requested",
	})
}

// handleGetRunResults returns the results recorded so far
func (api *API) handleGetRunResults(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookup(r)
	if !ok {
		api.respondWithError(w, http.StatusNotFound, "Run not found")
		return
	}
	api.respondWithJSON(w, http.StatusOK, run.task.Results())
}

// handleGenerateReport writes a report for a finished run
func (api *API) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	run, ok := api.lookup(r)
	if !ok {
		api.respondWithError(w, http.StatusNotFound, "Run not found")
		return
	}

	var req struct {
		Format string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if _, err := common.ParseReportFormat(req.Format); err != nil {
		api.respondWithError(w, http.StatusBadRequest, "Invalid format")
		return
	}

	select {
	case <-run.task.Done():
	default:
		api.respondWithError(w, http.StatusConflict, "Run is still in progress")
		return
	}

	summary, _ := run.task.Wait()
	if summary == nil || len(summary.Results) == 0 {
		api.respondWithError(w, http.StatusNotFound, "Run has no results")
		return
	}

	dir := filepath.Join(filepath.Dir(summary.ResultsPath), common.ReportDir)
	paths, err := generateReports(summary, req.Format, dir)
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to generate report: %v", err))
		return
	}

	api.respondWithJSON(w, http.StatusOK, map[string]any{
		"message": "Report generated successfully",
		"paths":   paths,
		"format":  req.Format,
		"run_id":  run.id,
	})
}

type transportInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Target     string `json:"target"`
	ConfigPath string `json:"config_path"`
}

// handleGetTransports lists the transports discovered in the config directory
func (api *API) handleGetTransports(w http.ResponseWriter, r *http.Request) {
	descriptors, err := registry.New(api.Logger).Discover(api.Config.ConfigDir)
	switch {
	case errors.Is(err, common.ErrNoValidTransports):
		api.respondWithJSON(w, http.StatusOK, []transportInfo{})
		return
	case err != nil:
		api.respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	infos := make([]transportInfo, 0, len(descriptors))
	for _, desc := range descriptors {
		infos = append(infos, transportInfo{
			Name:       desc.Name,
			Type:       desc.Type.String(),
			Target:     desc.Target(),
			ConfigPath: desc.ConfigPath,
		})
	}
	api.respondWithJSON(w, http.StatusOK, infos)
}

// handleGetInterfaces lists host interfaces and the one a run would capture on
func (api *API) handleGetInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := api.Interfaces()
	if err != nil {
		api.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list interfaces: %v", err))
		return
	}

	response := map[string]any{"interfaces": ifaces}
	if selected, err := netif.Select(api.Config.Interface, ifaces); err == nil {
		response["selected"] = selected
	} else {
		response["error"] = err.Error()
	}
	api.respondWithJSON(w, http.StatusOK, response)
}

// handleGetConfig returns the current configuration
func (api *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	api.respondWithJSON(w, http.StatusOK, api.Config)
}

// Helper methods

// respondWithError returns an error response
func (api *API) respondWithError(w http.ResponseWriter, code int, message string) {
	api.respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON returns a JSON response
func (api *API) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		api.Logger.Error("Failed to marshal JSON response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
