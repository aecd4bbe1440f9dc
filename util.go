package canary

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"ghostshell/app/canary/common"
)

// runIDFormat names runs, log files and report files.
const runIDFormat = "20060102_150405"

// FileExists checks if a file exists at the given path.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

// FormatDuration formats a time.Duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

// appDataDir is where results go when no save directory is configured.
func appDataDir() string {
	if runtime.GOOS == "darwin" {
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, common.AppDataDirName)
		}
	}
	return common.AppDataDirName
}

func defaultCaptureDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return common.AdversaryDataDir
	}
	return filepath.Join(home, common.AdversaryDataDir)
}
