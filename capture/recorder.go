package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

const (
	defaultSnapLen     = 65536
	defaultStopTimeout = 2 * time.Second
)

// Capture directories, one per classification.
const (
	AllowedDir      = "allowed"
	BlockedDir      = "blocked"
	UnclassifiedDir = "unclassified"
)

// packetSource is the part of pcapgo.EthernetHandle the recorder uses.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// PcapRecorder is a Backend that writes matching packets to pcap files
// under <dir>/<target>/<classification>/.
type PcapRecorder struct {
	dir         string
	debug       bool
	snapLen     uint32
	stopTimeout time.Duration
	logger      *zap.Logger
	open        func(iface string) (packetSource, error)

	mu  sync.Mutex
	rec *recording
}

type recording struct {
	mu      sync.Mutex
	target  string
	port    uint16
	started time.Time
	path    string
	file    *os.File
	writer  *pcapgo.Writer
	src     packetSource
	closed  bool
	packets int
	done    chan struct{}
}

// NewPcapRecorder creates a recorder rooted at dir. With debug set every
// captured packet is logged.
func NewPcapRecorder(dir string, debug bool, logger *zap.Logger) *PcapRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PcapRecorder{
		dir:         dir,
		debug:       debug,
		snapLen:     defaultSnapLen,
		stopTimeout: defaultStopTimeout,
		logger:      logger,
		open:        openEthernet,
	}
}

// Dir returns the capture root.
func (r *PcapRecorder) Dir() string { return r.dir }

// StartRecording opens the interface and writes the pcap file header before
// returning, so packets sent afterwards are captured.
func (r *PcapRecorder) StartRecording(target string, port uint16, iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		return common.ErrRecordingActive
	}

	src, err := r.open(iface)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", iface, err)
	}

	now := time.Now()
	dir := filepath.Join(r.dir, sanitize(target))
	if err := os.MkdirAll(dir, 0755); err != nil {
		src.Close()
		return fmt.Errorf("failed to create capture directory: %w", err)
	}
	path := common.UniquePath(filepath.Join(dir, fmt.Sprintf("recording_%s.pcap", now.Format(common.FileTimestampFormat))))
	file, err := os.Create(path)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create capture file: %w", err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(r.snapLen, layers.LinkTypeEthernet); err != nil {
		src.Close()
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	rec := &recording{
		target:  target,
		port:    port,
		started: now,
		path:    path,
		file:    file,
		writer:  writer,
		src:     src,
		done:    make(chan struct{}),
	}
	r.rec = rec
	go r.captureLoop(rec)
	return nil
}

func (r *PcapRecorder) captureLoop(rec *recording) {
	defer close(rec.done)
	for {
		data, ci, err := rec.src.ReadPacketData()
		if err != nil {
			rec.mu.Lock()
			closed := rec.closed
			rec.mu.Unlock()
			if !closed {
				r.logger.Debug("Capture loop ended", zap.String("target", rec.target), zap.Error(err))
			}
			return
		}
		if !matchesPort(data, rec.port) {
			continue
		}

		rec.mu.Lock()
		if rec.closed {
			rec.mu.Unlock()
			return
		}
		if len(data) > int(r.snapLen) {
			data = data[:r.snapLen]
			ci.CaptureLength = len(data)
		}
		if err := rec.writer.WritePacket(ci, data); err != nil {
			r.logger.Warn("Failed to write packet", zap.Error(err))
		} else {
			rec.packets++
		}
		rec.mu.Unlock()

		if r.debug {
			r.logger.Debug("Captured packet",
				zap.String("target", rec.target),
				zap.Int("length", ci.Length),
				zap.Time("timestamp", ci.Timestamp),
			)
		}
	}
}

// matchesPort reports whether a TCP or UDP segment in the frame uses port.
// Port zero matches everything.
func matchesPort(data []byte, port uint16) bool {
	if port == 0 {
		return true
	}
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		return uint16(tcp.SrcPort) == port || uint16(tcp.DstPort) == port
	}
	if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		return uint16(udp.SrcPort) == port || uint16(udp.DstPort) == port
	}
	return false
}

// StopRecording closes the capture, waits a bounded time for the capture
// loop and files the pcap by classification.
func (r *PcapRecorder) StopRecording(classified, success bool) error {
	r.mu.Lock()
	rec := r.rec
	r.rec = nil
	r.mu.Unlock()
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	rec.closed = true
	rec.mu.Unlock()
	rec.src.Close()

	select {
	case <-rec.done:
	case <-time.After(r.stopTimeout):
		r.logger.Warn("Capture loop did not exit in time", zap.String("target", rec.target))
	}

	rec.mu.Lock()
	closeErr := rec.file.Close()
	packets := rec.packets
	rec.mu.Unlock()
	if closeErr != nil {
		return fmt.Errorf("failed to close capture file: %w", closeErr)
	}

	class := UnclassifiedDir
	if classified {
		class = BlockedDir
		if success {
			class = AllowedDir
		}
	}
	destDir := filepath.Join(filepath.Dir(rec.path), class)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", class, err)
	}
	dest := common.UniquePath(filepath.Join(destDir, rec.started.Format(common.FileTimestampFormat)+".pcap"))
	if err := os.Rename(rec.path, dest); err != nil {
		return fmt.Errorf("failed to move capture file: %w", err)
	}

	r.logger.Info("Saved capture",
		zap.String("target", rec.target),
		zap.String("classification", class),
		zap.Int("packets", packets),
		zap.String("path", dest),
	)
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
