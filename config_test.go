package canary

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostshell/app/canary/common"
)

func TestConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"canary.yaml", "canary.yml", "canary.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ConfigDir = "/etc/canary/transports"
			cfg.BatchCount = 4
			cfg.Interface = "eth1"
			cfg.ProbeTimeout = 3 * time.Second
			cfg.RunWebTests = true

			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canary.yaml")
	require.NoError(t, os.WriteFile(path, []byte("config_dir: transports\nrun_web_tests: true\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "transports", cfg.ConfigDir)
	assert.Equal(t, 1, cfg.BatchCount)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, common.DefaultDialTimeout, cfg.DialTimeout)
	assert.Equal(t, common.DefaultProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, common.CanaryString, cfg.Marker)
	assert.Equal(t, common.DefaultWebTests, cfg.WebTests)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, common.AdversaryDataDir, filepath.Base(cfg.CaptureDir))
	assert.Empty(t, cfg.ReportFormat)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml"), "failed to read config file"},
		{"unsupported extension", write("canary.toml", "x = 1"), "unsupported config format"},
		{"bad json", write("bad.json", "{"), "failed to parse JSON config"},
		{"bad yaml", write("bad.yaml", "batch_count: [1"), "failed to parse YAML config"},
		{"negative batches", write("neg.yaml", "batch_count: -2"), "batch count"},
		{"zero batches", write("zero.json", `{"batch_count":0}`), "batch count"},
		{"log level", write("level.yaml", "log_level: loud"), "invalid log level"},
		{"report format", write("report.yaml", "report_format: docx"), "invalid report format"},
		{"web test without website", write("web.yaml", "web_tests:\n  - name: empty\n"), "website is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveConfigRejectsUnknownExtension(t *testing.T) {
	err := SaveConfig(DefaultConfig(), filepath.Join(t.TempDir(), "canary.ini"))
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestValidateNamesWebTests(t *testing.T) {
	cfg := &Config{BatchCount: 1, WebTests: []common.WebTest{{Website: "https://example.com"}}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://example.com", cfg.WebTests[0].Name)
}

func TestProbeMarker(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, common.CanaryString, cfg.ProbeMarker())

	cfg.Marker = "pong"
	assert.Equal(t, "pong", cfg.ProbeMarker())

	cfg.AcceptAnyResponse = true
	assert.Empty(t, cfg.ProbeMarker())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m3s", FormatDuration(2*time.Minute+3*time.Second))
}

func TestValidateRejectsZeroBatches(t *testing.T) {
	cfg := &Config{ConfigDir: "configs"}
	assert.ErrorContains(t, cfg.Validate(), "batch count must be at least 1")
	assert.Zero(t, cfg.BatchCount)

	cfg.BatchCount = 3
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.BatchCount)
}
