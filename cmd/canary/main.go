package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghostshell/app/canary"
	"ghostshell/app/canary/common"
	"ghostshell/app/canary/netif"
	"ghostshell/app/canary/registry"
	"ghostshell/app/canary/visualization"
)

var version = "0.1.0"

var (
	cfgFile        string
	configDir      string
	saveDir        string
	batchCount     int
	iface          string
	debugCapture   bool
	runWebTests    bool
	disableCapture bool
	reportFormat   string
	logLevel       string
	listenAddr     string
	openDashboard  bool
	dashboardAddr  string
)

func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start"}
	case "darwin":
		cmd = "open"
	default: // "linux", "freebsd", "openbsd", "netbsd"
		cmd = "xdg-open"
	}
	args = append(args, url)
	return exec.Command(cmd, args...).Start()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "canary",
		Short: "Canary - transport connectivity checks",
		Long: `Canary tests whether pluggable transports can reach their servers.

Every config file whose name contains a transport keyword (shadow,
noise) is dialed through its transport, probed, and recorded as a
pass or fail in a CSV log. Traffic of each attempt can be captured to
pcap files, which are archived after every batch.

Examples:
  # Run every transport in ./configs three times
  canary run -c ./configs -n 3

  # Include website reachability checks and save output to /tmp/out
  canary run -c ./configs -w -s /tmp/out

  # Serve the API and dashboard
  canary serve -c ./configs --addr :8080`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Run config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "", "Directory of transport config files")
	rootCmd.PersistentFlags().StringVarP(&saveDir, "save-dir", "s", "", "Directory for results and archives")
	rootCmd.PersistentFlags().StringVarP(&iface, "interface", "i", "", "Capture interface (default: auto)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the transport tests",
		RunE:  runTests,
	}
	runCmd.Flags().IntVarP(&batchCount, "batches", "n", 0, "Number of batches (default 1)")
	runCmd.Flags().BoolVarP(&debugCapture, "debug-capture", "d", false, "Log every captured packet")
	runCmd.Flags().BoolVarP(&runWebTests, "web-tests", "w", false, "Also check website reachability")
	runCmd.Flags().BoolVar(&disableCapture, "no-capture", false, "Do not record traffic")
	runCmd.Flags().StringVar(&reportFormat, "report", "", "Report format: csv, pdf, json, yaml, md")
	runCmd.Flags().StringVar(&dashboardAddr, "dashboard", "", "Serve a live dashboard on this address during the run")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and results dashboard",
		RunE:  serve,
	}
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().BoolVar(&openDashboard, "open", false, "Open the dashboard in a browser")
	serveCmd.Flags().BoolVar(&disableCapture, "no-capture", false, "Do not record traffic")

	interfacesCmd := &cobra.Command{
		Use:   "interfaces",
		Short: "List network interfaces and the one captures would use",
		RunE:  listInterfaces,
	}

	transportsCmd := &cobra.Command{
		Use:   "transports",
		Short: "List the transports found in the config directory",
		RunE:  listTransports,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage run configuration files",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if canary.FileExists(args[0]) {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := canary.CreateDefaultConfig(args[0]); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", args[0])
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			canary.PrintConfig(cfg)
			return nil
		},
	})

	rootCmd.AddCommand(runCmd, serveCmd, interfacesCmd, transportsCmd, configCmd, &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("canary v%s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given and applies command line overrides.
func loadConfig() (*canary.Config, error) {
	cfg := canary.DefaultConfig()
	cfg.ReportFormat = ""
	if cfgFile != "" {
		loaded, err := canary.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if configDir != "" {
		cfg.ConfigDir = configDir
	}
	if saveDir != "" {
		cfg.SaveDir = saveDir
	}
	if iface != "" {
		cfg.Interface = iface
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if batchCount != 0 {
		cfg.BatchCount = batchCount
	}
	if debugCapture {
		cfg.DebugCapture = true
	}
	if runWebTests {
		cfg.RunWebTests = true
	}
	if disableCapture {
		cfg.DisableCapture = true
	}
	if reportFormat != "" {
		cfg.ReportFormat = reportFormat
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, cleanup, err := canary.InitializeLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer cleanup()

	opts := []canary.Option{canary.WithProgress(func(batch, total int, target, status string) {
		if target == "" {
			fmt.Printf("[batch %d/%d] %s\n", batch, total, status)
			return
		}
		if status != "testing" {
			fmt.Printf("[batch %d/%d] %-24s %s\n", batch, total, target, status)
		}
	})}

	ctx, cancel := signalContext(logger)
	defer cancel()

	if dashboardAddr != "" {
		vis := visualization.NewVisualizer(logger)
		opts = append(opts, canary.WithObserver(vis))
		go func() {
			if err := vis.Start(dashboardAddr); err != nil {
				logger.Error("Dashboard server error", zap.Error(err))
			}
		}()
		defer func() {
			if err := vis.Stop(); err != nil {
				logger.Error("Failed to stop dashboard", zap.Error(err))
			}
		}()
		fmt.Printf("View results at: http://localhost%s\n", dashboardAddr)
	}

	c, err := canary.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	summary, err := c.Run(ctx)
	canary.PrintSummary(os.Stdout, summary)
	if err != nil {
		var setupErr *common.SetupError
		if errors.As(err, &setupErr) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			fmt.Println("Run cancelled")
			return nil
		}
		logger.Error("Run finished with errors", zap.Error(err))
		return err
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, cleanup, err := canary.InitializeLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer cleanup()

	api, err := canary.NewAPI(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	if openDashboard {
		url := fmt.Sprintf("http://localhost%s", cfg.ListenAddr)
		if err := openBrowser(url); err != nil {
			logger.Error("Failed to open browser", zap.Error(err))
			fmt.Printf("Please open your browser and navigate to: %s\n", url)
		}
	}

	return api.Run(ctx, cfg.ListenAddr)
}

func listInterfaces(cmd *cobra.Command, args []string) error {
	ifaces, err := netif.List()
	if err != nil {
		return err
	}
	for _, i := range ifaces {
		fmt.Println(i.String())
	}

	selected, err := netif.Select(iface, ifaces)
	if err != nil {
		fmt.Printf("\nNo capture interface: %v\n", err)
		return nil
	}
	fmt.Printf("\nCapture interface: %s\n", selected)
	return nil
}

func listTransports(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	descriptors, err := registry.New(nil).Discover(cfg.ConfigDir)
	if err != nil {
		return err
	}
	for _, desc := range descriptors {
		fmt.Printf("%-24s %-12s %s\n", desc.Name, desc.Type, desc.Target())
	}
	return nil
}
