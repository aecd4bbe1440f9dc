package transports

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// maxShadowPayload is the largest plaintext carried by one AEAD chunk.
const maxShadowPayload = 0x3FFF

var errShortPacket = errors.New("short shadow chunk")

type shadowCipher struct {
	keySize  int
	saltSize int
	newAEAD  func(key []byte) (cipher.AEAD, error)
}

var shadowCiphers = map[string]shadowCipher{
	"chacha20-ietf-poly1305": {keySize: 32, saltSize: 32, newAEAD: chacha20poly1305.New},
	"aes-256-gcm":            {keySize: 32, saltSize: 32, newAEAD: newGCM},
	"aes-128-gcm":            {keySize: 16, saltSize: 16, newAEAD: newGCM},
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// evpBytesToKey derives the master key from a password the way OpenSSL's
// EVP_BytesToKey does with MD5 and no salt.
func evpBytesToKey(password string, keyLen int) []byte {
	var key, prev []byte
	h := md5.New()
	for len(key) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		key = h.Sum(key)
		prev = key[len(key)-h.Size():]
		h.Reset()
	}
	return key[:keyLen]
}

func shadowSubkey(master, salt []byte) ([]byte, error) {
	subkey := make([]byte, len(master))
	r := hkdf.New(sha1.New, master, salt, []byte("ss-subkey"))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return subkey, nil
}

func incrementNonce(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

// shadowConn is a Shadowsocks AEAD stream. Each direction starts with a
// random salt followed by chunks of [sealed length][sealed payload].
type shadowConn struct {
	net.Conn
	suite  shadowCipher
	master []byte

	wmu      sync.Mutex
	enc      cipher.AEAD
	encNonce []byte
	prefix   []byte // sent in front of the first payload

	rmu      sync.Mutex
	dec      cipher.AEAD
	decNonce []byte
	pending  []byte
}

func newShadowConn(conn net.Conn, suite shadowCipher, password string, prefix []byte) *shadowConn {
	return &shadowConn{
		Conn:   conn,
		suite:  suite,
		master: evpBytesToKey(password, suite.keySize),
		prefix: prefix,
	}
}

func (c *shadowConn) initWriter() ([]byte, error) {
	salt := make([]byte, c.suite.saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	subkey, err := shadowSubkey(c.master, salt)
	if err != nil {
		return nil, err
	}
	c.enc, err = c.suite.newAEAD(subkey)
	if err != nil {
		return nil, err
	}
	c.encNonce = make([]byte, c.enc.NonceSize())
	return salt, nil
}

func (c *shadowConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var out []byte
	if c.enc == nil {
		salt, err := c.initWriter()
		if err != nil {
			return 0, err
		}
		out = append(out, salt...)
	}

	payload := p
	if len(c.prefix) > 0 {
		payload = append(append([]byte{}, c.prefix...), p...)
		c.prefix = nil
	}

	for len(payload) > 0 {
		n := len(payload)
		if n > maxShadowPayload {
			n = maxShadowPayload
		}
		var size [2]byte
		binary.BigEndian.PutUint16(size[:], uint16(n))
		out = c.enc.Seal(out, c.encNonce, size[:], nil)
		incrementNonce(c.encNonce)
		out = c.enc.Seal(out, c.encNonce, payload[:n], nil)
		incrementNonce(c.encNonce)
		payload = payload[n:]
	}

	if _, err := c.Conn.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *shadowConn) initReader() error {
	salt := make([]byte, c.suite.saltSize)
	if _, err := io.ReadFull(c.Conn, salt); err != nil {
		return err
	}
	subkey, err := shadowSubkey(c.master, salt)
	if err != nil {
		return err
	}
	c.dec, err = c.suite.newAEAD(subkey)
	if err != nil {
		return err
	}
	c.decNonce = make([]byte, c.dec.NonceSize())
	return nil
}

func (c *shadowConn) readChunk() ([]byte, error) {
	overhead := c.dec.Overhead()
	buf := make([]byte, 2+overhead)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		return nil, err
	}
	size, err := c.dec.Open(buf[:0], c.decNonce, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk length: %w", err)
	}
	incrementNonce(c.decNonce)
	if len(size) != 2 {
		return nil, errShortPacket
	}

	n := int(binary.BigEndian.Uint16(size)) & maxShadowPayload
	buf = make([]byte, n+overhead)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payload, err := c.dec.Open(buf[:0], c.decNonce, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk payload: %w", err)
	}
	incrementNonce(c.decNonce)
	return payload, nil
}

func (c *shadowConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(c.pending) == 0 {
		if c.dec == nil {
			if err := c.initReader(); err != nil {
				return 0, err
			}
		}
		chunk, err := c.readChunk()
		if err != nil {
			return 0, err
		}
		c.pending = chunk
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// encodeSocksAddress encodes host:port as a SOCKS5 ATYP, ADDR, PORT header.
func encodeSocksAddress(target string) ([]byte, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, err
	}
	pn, err := strconv.Atoi(port)
	if err != nil || pn < 1 || pn > 65535 {
		return nil, fmt.Errorf("invalid port: %q", port)
	}

	var out []byte
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			out = append([]byte{0x01}, v4...)
		} else {
			out = append([]byte{0x04}, ip.To16()...)
		}
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("invalid domain length: %d", len(host))
		}
		out = append([]byte{0x03, byte(len(host))}, host...)
	}
	return append(out, byte(pn>>8), byte(pn&0xff)), nil
}

func wrapShadow(conn net.Conn, cfg *ShadowConfig) (net.Conn, error) {
	suite, ok := shadowCiphers[strings.ToLower(cfg.CipherName)]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher: %q", cfg.CipherName)
	}
	var prefix []byte
	if cfg.Target != "" {
		var err error
		if prefix, err = encodeSocksAddress(cfg.Target); err != nil {
			return nil, fmt.Errorf("invalid target: %w", err)
		}
	}
	return newShadowConn(conn, suite, cfg.Password, prefix), nil
}
