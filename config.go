package canary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ghostshell/app/canary/common"
)

// Config represents the structure for application configuration
type Config struct {
	// Run settings
	ConfigDir    string `json:"config_dir" yaml:"config_dir"`       // Directory holding transport config files
	SaveDir      string `json:"save_dir" yaml:"save_dir"`           // Where results and archives go (default: app data dir)
	BatchCount   int    `json:"batch_count" yaml:"batch_count"`     // Number of passes over the transport list
	Interface    string `json:"interface" yaml:"interface"`         // Capture interface override
	DebugCapture bool   `json:"debug_capture" yaml:"debug_capture"` // Log every captured packet
	RunWebTests  bool   `json:"run_web_tests" yaml:"run_web_tests"` // Check plain website reachability after transports

	// Capture settings
	DisableCapture bool   `json:"disable_capture" yaml:"disable_capture"` // Skip traffic recording entirely
	CaptureDir     string `json:"capture_dir" yaml:"capture_dir"`         // Root of recorded pcap files

	// Probe settings
	DialTimeout       time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ProbeTimeout      time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	Marker            string        `json:"marker" yaml:"marker"`                           // Expected string in the response body
	AcceptAnyResponse bool          `json:"accept_any_response" yaml:"accept_any_response"` // Pass on any bytes, ignoring Marker

	WebTests []common.WebTest `json:"web_tests" yaml:"web_tests"`

	// Output settings
	LogLevel     string `json:"log_level" yaml:"log_level"`         // Log level: "info", "debug", "warn" or "error"
	ReportFormat string `json:"report_format" yaml:"report_format"` // End-of-run report: csv, pdf, json, yaml, md or empty for none
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr"`     // Address for the API server
}

// ProbeMarker returns the marker the probe looks for, empty when any
// response is accepted.
func (c *Config) ProbeMarker() string {
	if c.AcceptAnyResponse {
		return ""
	}
	return c.Marker
}

// LoadConfig reads the configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Fields absent from the file keep these values.
	config := Config{BatchCount: 1}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	setConfigDefaults(&config)
	return &config, nil
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate applies defaults and checks the result.
func (c *Config) Validate() error {
	if err := validateConfig(c); err != nil {
		return err
	}
	setConfigDefaults(c)
	return nil
}

// validateConfig ensures that the configuration values are valid. Other
// zero values are accepted and filled in by setConfigDefaults.
func validateConfig(config *Config) error {
	if config.BatchCount < 1 {
		return fmt.Errorf("batch count must be at least 1, got %d", config.BatchCount)
	}

	if config.LogLevel != "" {
		validLogLevels := map[string]struct{}{
			"info":  {},
			"debug": {},
			"error": {},
			"warn":  {},
		}
		if _, valid := validLogLevels[config.LogLevel]; !valid {
			return fmt.Errorf("invalid log level: %s. Allowed levels: info, debug, error, warn", config.LogLevel)
		}
	}

	if config.ReportFormat != "" {
		if _, err := common.ParseReportFormat(config.ReportFormat); err != nil {
			return fmt.Errorf("invalid report format: %s. Allowed formats: csv, pdf, json, yaml, md", config.ReportFormat)
		}
	}

	if config.DialTimeout < 0 {
		return fmt.Errorf("dial timeout cannot be negative")
	}
	if config.ProbeTimeout < 0 {
		return fmt.Errorf("probe timeout cannot be negative")
	}

	for _, test := range config.WebTests {
		if test.Website == "" {
			return fmt.Errorf("web test %q: website is required", test.Name)
		}
	}

	return nil
}

// setConfigDefaults sets default values for optional configuration settings
func setConfigDefaults(config *Config) {
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if config.DialTimeout <= 0 {
		config.DialTimeout = common.DefaultDialTimeout
	}

	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = common.DefaultProbeTimeout
	}

	if config.Marker == "" {
		config.Marker = common.CanaryString
	}

	if config.CaptureDir == "" {
		config.CaptureDir = defaultCaptureDir()
	}

	if config.RunWebTests && len(config.WebTests) == 0 {
		config.WebTests = append([]common.WebTest(nil), common.DefaultWebTests...)
	}
	for i := range config.WebTests {
		if config.WebTests[i].Name == "" {
			config.WebTests[i].Name = config.WebTests[i].Website
		}
	}

	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	config := &Config{
		ConfigDir:    "configs",
		BatchCount:   1,
		ReportFormat: string(common.ReportPDF),
		WebTests:     append([]common.WebTest(nil), common.DefaultWebTests...),
	}
	setConfigDefaults(config)
	return config
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(filePath string) error {
	return SaveConfig(DefaultConfig(), filePath)
}

// PrintConfig displays the configuration values
func PrintConfig(config *Config) {
	fmt.Println("Configuration:")
	fmt.Printf("  Config Directory: %s\n", config.ConfigDir)
	fmt.Printf("  Save Directory: %s\n", orDefault(config.SaveDir, appDataDir()))
	fmt.Printf("  Batch Count: %d\n", config.BatchCount)
	fmt.Printf("  Interface: %s\n", orDefault(config.Interface, "(auto)"))
	fmt.Printf("  Log Level: %s\n", config.LogLevel)
	fmt.Printf("  Report Format: %s\n", orDefault(config.ReportFormat, "(none)"))

	fmt.Println("\nCapture:")
	fmt.Printf("  Enabled: %v\n", !config.DisableCapture)
	if !config.DisableCapture {
		fmt.Printf("  Directory: %s\n", config.CaptureDir)
		fmt.Printf("  Debug: %v\n", config.DebugCapture)
	}

	fmt.Println("\nProbe:")
	fmt.Printf("  Dial Timeout: %s\n", config.DialTimeout)
	fmt.Printf("  Probe Timeout: %s\n", config.ProbeTimeout)
	if config.AcceptAnyResponse {
		fmt.Println("  Marker: (any response)")
	} else {
		fmt.Printf("  Marker: %q\n", config.Marker)
	}

	fmt.Println("\nWeb Tests:")
	fmt.Printf("  Enabled: %v\n", config.RunWebTests)
	if config.RunWebTests {
		for _, test := range config.WebTests {
			fmt.Printf("    %s: %s\n", test.Name, test.Website)
		}
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
