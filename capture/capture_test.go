package capture

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ghostshell/app/canary/common"
)

type stopCall struct {
	classified bool
	success    bool
}

// fakeBackend fails the test if recordings overlap.
type fakeBackend struct {
	t        *testing.T
	active   bool
	startErr error
	starts   []string
	stops    []stopCall
}

func (b *fakeBackend) StartRecording(target string, port uint16, iface string) error {
	if b.startErr != nil {
		return b.startErr
	}
	if b.active {
		b.t.Errorf("recording for %s started while another is active", target)
	}
	b.active = true
	b.starts = append(b.starts, target)
	return nil
}

func (b *fakeBackend) StopRecording(classified, success bool) error {
	if !b.active {
		b.t.Errorf("stop without active recording")
	}
	b.active = false
	b.stops = append(b.stops, stopCall{classified, success})
	return nil
}

func TestControllerPairsStartAndStop(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := NewController(backend, nil)

	results := []*common.TestResult{{Success: true}, {Success: false}, nil}
	for _, result := range results {
		c.Start("192.0.2.1:443", 443, "eth0")
		assert.Equal(t, Recording, c.State())
		c.Stop(result)
		assert.Equal(t, Idle, c.State())
	}

	assert.Equal(t, 3, c.Starts())
	assert.Equal(t, 3, c.Stops())
	assert.Equal(t, []stopCall{{true, true}, {true, false}, {false, false}}, backend.stops)
	assert.False(t, backend.active)
}

func TestControllerStopWhileIdleIsNoop(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := NewController(backend, nil)
	c.Stop(&common.TestResult{Success: true})
	c.Stop(nil)
	assert.Empty(t, backend.stops)
	assert.Equal(t, Idle, c.State())
}

func TestControllerStartFailureStaysIdle(t *testing.T) {
	backend := &fakeBackend{t: t, startErr: errors.New("permission denied")}
	core, logs := observer.New(zap.ErrorLevel)
	c := NewController(backend, zap.New(core))

	c.Start("target", 1, "eth0")
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, c.Failures())
	entries := logs.FilterMessage("Failed to start recording").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "permission denied", entries[0].ContextMap()["error"])

	c.Stop(&common.TestResult{Success: true})
	assert.Empty(t, backend.stops)
	assert.Equal(t, 1, c.Starts())
	assert.Equal(t, 1, c.Stops())
}

func TestControllerRestartStopsPreviousUnclassified(t *testing.T) {
	backend := &fakeBackend{t: t}
	c := NewController(backend, nil)

	c.Start("a", 1, "eth0")
	c.Start("b", 2, "eth0")
	c.Stop(&common.TestResult{Success: true})

	assert.Equal(t, []string{"a", "b"}, backend.starts)
	assert.Equal(t, []stopCall{{false, false}, {true, true}}, backend.stops)
}

func TestControllerWithoutBackend(t *testing.T) {
	c := NewController(nil, nil)
	c.Start("a", 1, "eth0")
	assert.Equal(t, Idle, c.State())
	c.Stop(nil)
	assert.Equal(t, 1, c.Stops())
}

type fakeSource struct {
	packets chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{packets: make(chan []byte), closed: make(chan struct{})}
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case data := <-s.packets:
		return data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}, nil
	case <-s.closed:
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
}

func (s *fakeSource) Close() { s.once.Do(func() { close(s.closed) }) }

func tcpFrame(t *testing.T, srcPort, dstPort uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
		DstMAC:       net.HardwareAddr{0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), SYN: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload("hi")))
	return buf.Bytes()
}

func countPackets(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := r.ReadPacketData()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func newTestRecorder(t *testing.T, src *fakeSource) *PcapRecorder {
	rec := NewPcapRecorder(t.TempDir(), true, nil)
	rec.open = func(string) (packetSource, error) { return src, nil }
	return rec
}

func TestPcapRecorderFiltersAndClassifies(t *testing.T) {
	src := newFakeSource()
	rec := newTestRecorder(t, src)

	require.NoError(t, rec.StartRecording("192.0.2.1:8443", 8443, "eth0"))
	src.packets <- tcpFrame(t, 50000, 8443)
	src.packets <- tcpFrame(t, 8443, 50000)
	src.packets <- tcpFrame(t, 50000, 22)
	// The loop has finished with earlier frames once this one is taken.
	src.packets <- tcpFrame(t, 1, 2)
	require.NoError(t, rec.StopRecording(true, true))

	matches, err := filepath.Glob(filepath.Join(rec.Dir(), "192.0.2.1_8443", AllowedDir, "*.pcap"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, countPackets(t, matches[0]))

	leftovers, err := filepath.Glob(filepath.Join(rec.Dir(), "192.0.2.1_8443", "recording_*.pcap"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPcapRecorderClassificationDirs(t *testing.T) {
	tests := []struct {
		classified, success bool
		dir                 string
	}{
		{true, true, AllowedDir},
		{true, false, BlockedDir},
		{false, false, UnclassifiedDir},
	}
	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			rec := newTestRecorder(t, newFakeSource())
			require.NoError(t, rec.StartRecording("target", 1, "eth0"))
			require.NoError(t, rec.StopRecording(tt.classified, tt.success))

			matches, err := filepath.Glob(filepath.Join(rec.Dir(), "target", tt.dir, "*.pcap"))
			require.NoError(t, err)
			assert.Len(t, matches, 1)
		})
	}
}

func TestPcapRecorderRejectsOverlap(t *testing.T) {
	rec := newTestRecorder(t, newFakeSource())
	require.NoError(t, rec.StartRecording("a", 1, "eth0"))
	err := rec.StartRecording("b", 2, "eth0")
	require.ErrorIs(t, err, common.ErrRecordingActive)
	require.NoError(t, rec.StopRecording(false, false))
	require.NoError(t, rec.StopRecording(false, false))
}

func TestPcapRecorderOpenFailure(t *testing.T) {
	rec := NewPcapRecorder(t.TempDir(), false, nil)
	rec.open = func(string) (packetSource, error) { return nil, common.ErrUnsupportedPlatform }
	err := rec.StartRecording("a", 1, "eth0")
	require.ErrorIs(t, err, common.ErrUnsupportedPlatform)

	entries, err := os.ReadDir(rec.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMatchesPort(t *testing.T) {
	frame := tcpFrame(t, 1000, 2000)
	assert.True(t, matchesPort(frame, 1000))
	assert.True(t, matchesPort(frame, 2000))
	assert.False(t, matchesPort(frame, 3000))
	assert.True(t, matchesPort(frame, 0))
	assert.False(t, matchesPort([]byte{0x01, 0x02}, 80))
}
