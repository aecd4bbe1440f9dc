// Package registry discovers transport configurations in a directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
	"ghostshell/app/canary/transports"
)

// Registry scans configuration directories for transport configs.
type Registry struct {
	logger *zap.Logger
}

// New creates a Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Discover returns one descriptor per (file, keyword) match that parses.
// Files are visited in name order and keywords in transports.Types order.
func (r *Registry) Discover(configDir string) ([]transports.Descriptor, error) {
	info, err := os.Stat(configDir)
	if err != nil || !info.IsDir() {
		return nil, &common.SetupError{Op: "discover", Path: configDir, Err: common.ErrNoConfigDirectory}
	}

	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, &common.SetupError{Op: "discover", Path: configDir, Err: fmt.Errorf("%w: %v", common.ErrNoConfigDirectory, err)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var found []transports.Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filename := entry.Name()
		lower := strings.ToLower(filename)
		path := filepath.Join(configDir, filename)

		matched := false
		for _, typ := range transports.Types {
			if !strings.Contains(lower, typ.Keyword()) {
				continue
			}
			matched = true

			cfg, err := transports.ParseConfig(typ, path)
			if err != nil {
				derr := &common.DiscoveryError{Path: path, Type: typ.String(), Err: err}
				r.logger.Warn("Skipping transport config", zap.Error(derr))
				continue
			}

			name := strings.TrimSuffix(filename, filepath.Ext(filename))
			found = append(found, transports.NewDescriptor(name, typ, path, cfg))
			r.logger.Debug("Discovered transport",
				zap.String("name", name),
				zap.String("type", typ.String()),
				zap.String("path", path),
			)
		}

		if !matched {
			r.reportUnsupported(lower, path)
		}
	}

	if len(found) == 0 {
		return nil, &common.SetupError{Op: "discover", Path: configDir, Err: common.ErrNoValidTransports}
	}

	r.logger.Info("Transport discovery complete",
		zap.String("config_dir", configDir),
		zap.Int("count", len(found)),
	)
	return found, nil
}

// reportUnsupported logs files named for a transport family that cannot be
// dialed, so they are not mistaken for stray files.
func (r *Registry) reportUnsupported(lower, path string) {
	for _, keyword := range transports.UnsupportedKeywords {
		if strings.Contains(lower, keyword) {
			derr := &common.DiscoveryError{Path: path, Type: keyword, Err: common.ErrUnsupportedProtocol}
			r.logger.Warn("Skipping transport config", zap.Error(derr))
			return
		}
	}
}
