package transports

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"ghostshell/app/canary/common"
)

// Dialer produces a live connection for a transport descriptor.
type Dialer interface {
	Dial(ctx context.Context, desc Descriptor, timeout time.Duration) (net.Conn, error)
}

// Factory dials descriptors with the strategy registered for their type.
// It never retries.
type Factory struct {
	logger *zap.Logger
	dialer net.Dialer
}

// NewFactory creates a Factory.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{logger: logger}
}

// Dial connects through the transport described by desc. A config variant
// that does not match desc.Type yields ErrInvalidConfigForType; any other
// failure is a *common.DialError.
func (f *Factory) Dial(ctx context.Context, desc Descriptor, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = common.DefaultDialTimeout
	}

	var (
		conn net.Conn
		err  error
	)
	switch desc.Type {
	case TypeShadow:
		cfg, ok := desc.Config.(*ShadowConfig)
		if !ok {
			return nil, fmt.Errorf("%s: %w", desc.Name, common.ErrInvalidConfigForType)
		}
		conn, err = f.dialShadow(ctx, desc, cfg, timeout)
	case TypeNoise:
		cfg, ok := desc.Config.(*NoiseConfig)
		if !ok {
			return nil, fmt.Errorf("%s: %w", desc.Name, common.ErrInvalidConfigForType)
		}
		conn, err = f.dialNoise(ctx, desc, cfg, timeout)
	default:
		err = fmt.Errorf("%w: %v", common.ErrUnknownTransportType, desc.Type)
	}

	if err != nil {
		return nil, &common.DialError{Transport: desc.Name, Err: err}
	}

	f.logger.Debug("Transport connected",
		zap.String("transport", desc.Name),
		zap.String("type", desc.Type.String()),
		zap.String("target", desc.Target()),
	)
	return conn, nil
}

func (f *Factory) dialTCP(ctx context.Context, desc Descriptor, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.dialer.DialContext(ctx, "tcp", desc.Target())
}

func (f *Factory) dialShadow(ctx context.Context, desc Descriptor, cfg *ShadowConfig, timeout time.Duration) (net.Conn, error) {
	conn, err := f.dialTCP(ctx, desc, timeout)
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapShadow(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return wrapped, nil
}

func (f *Factory) dialNoise(ctx context.Context, desc Descriptor, cfg *NoiseConfig, timeout time.Duration) (net.Conn, error) {
	key, err := cfg.publicKey()
	if err != nil {
		return nil, err
	}
	conn, err := f.dialTCP(ctx, desc, timeout)
	if err != nil {
		return nil, err
	}
	wrapped, err := noiseHandshake(conn, key, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return wrapped, nil
}
