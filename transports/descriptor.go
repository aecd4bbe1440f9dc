// Package transports holds the typed transport descriptors and the dial
// strategies that turn a descriptor into a live connection.
package transports

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ghostshell/app/canary/common"
)

// Type enumerates the supported transport kinds.
type Type int

const (
	TypeShadow Type = iota
	TypeNoise
)

// Types lists every supported transport type, in discovery order.
var Types = []Type{TypeShadow, TypeNoise}

// UnsupportedKeywords name transport families whose wire formats are not
// implemented here. Files carrying them are reported instead of dialed.
var UnsupportedKeywords = []string{"starbridge", "replicant"}

// Keyword returns the filename keyword that identifies configs of this type.
func (t Type) Keyword() string {
	switch t {
	case TypeShadow:
		return "shadow"
	case TypeNoise:
		return "noise"
	default:
		return ""
	}
}

func (t Type) String() string {
	if k := t.Keyword(); k != "" {
		return k
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Config is the parsed configuration of a single transport. The set of
// implementations is closed to this package.
type Config interface {
	transportType() Type
	endpoint() (string, uint16)
}

// Descriptor is the parsed, typed representation of one transport config file.
type Descriptor struct {
	Name          string
	Type          Type
	ConfigPath    string
	Config        Config
	ServerAddress string
	ServerPort    uint16
}

// Target returns the server address in host:port form.
func (d Descriptor) Target() string {
	return net.JoinHostPort(d.ServerAddress, strconv.Itoa(int(d.ServerPort)))
}

// ShadowConfig configures a Shadowsocks AEAD client.
type ShadowConfig struct {
	ServerIP   string `json:"serverIP" yaml:"serverIP"`
	ServerPort uint16 `json:"serverPort" yaml:"serverPort"`
	Password   string `json:"password" yaml:"password"`
	CipherName string `json:"cipherName" yaml:"cipherName"`
	// Target, when set, is sent as a SOCKS address header before any payload.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

func (c *ShadowConfig) transportType() Type         { return TypeShadow }
func (c *ShadowConfig) endpoint() (string, uint16) { return c.ServerIP, c.ServerPort }

func (c *ShadowConfig) validate() error {
	if c.ServerIP == "" {
		return fmt.Errorf("serverIP is required")
	}
	if c.ServerPort == 0 {
		return fmt.Errorf("serverPort is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if strings.EqualFold(c.CipherName, "darkstar") {
		return fmt.Errorf("cipher %q: %w", c.CipherName, common.ErrUnsupportedProtocol)
	}
	if _, ok := shadowCiphers[strings.ToLower(c.CipherName)]; !ok {
		return fmt.Errorf("unsupported cipher: %q", c.CipherName)
	}
	if c.Target != "" {
		if _, _, err := net.SplitHostPort(c.Target); err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
	}
	return nil
}

// NoiseConfig configures a client speaking Noise_NK_25519_ChaChaPoly_SHA256
// with 2-byte length framing.
type NoiseConfig struct {
	ServerIP   string `json:"serverIP" yaml:"serverIP"`
	ServerPort uint16 `json:"serverPort" yaml:"serverPort"`
	// ServerPublicKey is the server's static X25519 key, base64 encoded.
	ServerPublicKey string `json:"serverPublicKey" yaml:"serverPublicKey"`
}

func (c *NoiseConfig) transportType() Type         { return TypeNoise }
func (c *NoiseConfig) endpoint() (string, uint16) { return c.ServerIP, c.ServerPort }

func (c *NoiseConfig) validate() error {
	if c.ServerIP == "" {
		return fmt.Errorf("serverIP is required")
	}
	if c.ServerPort == 0 {
		return fmt.Errorf("serverPort is required")
	}
	if _, err := c.publicKey(); err != nil {
		return err
	}
	return nil
}

func (c *NoiseConfig) publicKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid serverPublicKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("serverPublicKey must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ParseConfig reads the file at path as a config of type t. YAML is used for
// .yaml and .yml files, JSON otherwise.
func ParseConfig(t Type, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg interface {
		Config
		validate() error
	}
	switch t {
	case TypeShadow:
		cfg = &ShadowConfig{}
	case TypeNoise:
		cfg = &NoiseConfig{}
	default:
		return nil, fmt.Errorf("%w: %v", common.ErrUnknownTransportType, t)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDescriptor builds a descriptor from a parsed config.
func NewDescriptor(name string, t Type, path string, cfg Config) Descriptor {
	host, port := cfg.endpoint()
	return Descriptor{
		Name:          name,
		Type:          t,
		ConfigPath:    path,
		Config:        cfg,
		ServerAddress: host,
		ServerPort:    port,
	}
}
