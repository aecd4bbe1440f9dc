package transports

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

const (
	// maxNoiseMessage is the Noise protocol limit for a single message.
	maxNoiseMessage = 65535
	// noiseOverhead is the ChaChaPoly tag size.
	noiseOverhead = 16
)

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// noiseConn carries length-prefixed Noise transport messages.
type noiseConn struct {
	net.Conn

	wmu  sync.Mutex
	send *noise.CipherState

	rmu     sync.Mutex
	recv    *noise.CipherState
	pending []byte
}

func writeFrame(w io.Writer, msg []byte) error {
	if len(msg) > maxNoiseMessage {
		return fmt.Errorf("frame too large: %d bytes", len(msg))
	}
	frame := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	copy(frame[2:], msg)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

// noiseHandshake runs the initiator side of Noise_NK_25519_ChaChaPoly_SHA256
// against the server's persistent public key.
func noiseHandshake(conn net.Conn, serverKey []byte, timeout time.Duration) (*noiseConn, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNK,
		Initiator:   true,
		PeerStatic:  serverKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	// -> e, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	if err := writeFrame(conn, msg); err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}

	// <- e, ee
	reply, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	_, send, recv, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("handshake did not complete")
	}

	return &noiseConn{Conn: conn, send: send, recv: recv}, nil
}

func (c *noiseConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	maxPlain := maxNoiseMessage - noiseOverhead
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > maxPlain {
			n = maxPlain
		}
		ct, err := c.send.Encrypt(nil, nil, p[written:written+n])
		if err != nil {
			return written, err
		}
		if err := writeFrame(c.Conn, ct); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *noiseConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		frame, err := readFrame(c.Conn)
		if err != nil {
			return 0, err
		}
		c.pending, err = c.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, fmt.Errorf("failed to decrypt frame: %w", err)
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}
