// Package results persists test results and archives capture data.
package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

// Header is the first row of every result log.
var Header = []string{"TestDate", "ServerIP/Target", "Transport", "Success"}

// Store appends results to a single per-run CSV file. Appends are
// serialized, so rows never interleave.
type Store struct {
	mu     sync.Mutex
	path   string
	rows   int
	logger *zap.Logger
}

// NewStore creates a store writing CanaryResults<timestamp>.csv in dir.
func NewStore(dir string, runTime time.Time, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := fmt.Sprintf("%s%s.%s", common.ResultsFilePrefix, runTime.Format(common.FileTimestampFormat), common.ResultsExtension)
	return &Store{path: filepath.Join(dir, name), logger: logger}
}

// Path returns the result log location.
func (s *Store) Path() string { return s.path }

// Rows returns how many rows this store has appended.
func (s *Store) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Append writes one row for result, creating the file with a header first
// when it does not exist yet.
func (s *Store) Append(result common.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return &common.PersistenceError{Op: "create results directory", Path: filepath.Dir(s.path), Err: err}
	}

	_, statErr := os.Stat(s.path)
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &common.PersistenceError{Op: "open results file", Path: s.path, Err: err}
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if created {
		if err := writer.Write(Header); err != nil {
			return &common.PersistenceError{Op: "write results header", Path: s.path, Err: err}
		}
	}
	row := []string{
		result.TestDate.Format(time.RFC3339),
		result.Target,
		result.TransportName,
		strconv.FormatBool(result.Success),
	}
	if err := writer.Write(row); err != nil {
		return &common.PersistenceError{Op: "write result", Path: s.path, Err: err}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return &common.PersistenceError{Op: "write result", Path: s.path, Err: err}
	}

	s.rows++
	s.logger.Debug("Result recorded",
		zap.String("transport", result.TransportName),
		zap.Bool("success", result.Success),
		zap.String("path", s.path),
	)
	return nil
}

// Archive zips captureDir into adversary_data_<timestamp>.zip under destDir
// and returns the archive path. A missing captureDir, or one holding no
// files, is not an error: nothing is written and the returned path is empty.
func Archive(ctx context.Context, captureDir, destDir string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !common.DirExists(captureDir) {
		logger.Info("No capture data to archive", zap.String("capture_dir", captureDir))
		return "", nil
	}
	found, err := hasFiles(captureDir)
	if err != nil {
		return "", &common.PersistenceError{Op: "scan capture directory", Path: captureDir, Err: err}
	}
	if !found {
		logger.Info("Capture directory is empty, skipping archive", zap.String("capture_dir", captureDir))
		return "", nil
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", &common.PersistenceError{Op: "create archive directory", Path: destDir, Err: err}
	}
	name := fmt.Sprintf("%s_%s.zip", filepath.Base(captureDir), time.Now().Format(common.FileTimestampFormat))
	path := common.UniquePath(filepath.Join(destDir, name))

	if err := writeZip(ctx, captureDir, path); err != nil {
		os.Remove(path)
		return "", &common.PersistenceError{Op: "archive capture data", Path: path, Err: err}
	}

	logger.Info("Archived capture data",
		zap.String("capture_dir", captureDir),
		zap.String("archive", path),
	)
	return path, nil
}

// hasFiles reports whether any regular file exists below dir.
func hasFiles(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

func writeZip(ctx context.Context, srcDir, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	zw := zip.NewWriter(file)
	root := filepath.Base(srcDir)
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(root, rel))

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return walkErr
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return file.Sync()
}
