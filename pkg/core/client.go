// Package core assembles codec, transport, session and health monitor
// into controller clients, and runs cyclic data acquisition over them.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/commatea/SBus-Link/pkg/health"
	"github.com/commatea/SBus-Link/pkg/metrics"
	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/session"
	"github.com/commatea/SBus-Link/pkg/transport"
	"github.com/commatea/SBus-Link/pkg/transport/ether"
	"github.com/commatea/SBus-Link/pkg/transport/profi"
	"github.com/commatea/SBus-Link/pkg/transport/serial"
)

// Client errors.
var (
	ErrUnknownProtocol = errors.New("unknown protocol type")
	ErrNoHost          = errors.New("host is required")
	ErrNoDevice        = errors.New("device is required")
)

// Client is one configured controller connection: transport, session and
// health monitor behind a single facade. Every operation outcome feeds
// the monitor, so connection health tracks actual traffic.
type Client struct {
	name string
	cfg  ConnectionConfig

	sess *session.Session
	mon  *health.Monitor
}

// NewClient builds a client from configuration. The connection is not
// established yet; call Connect.
func NewClient(cfg ConnectionConfig) (*Client, error) {
	tr, err := buildTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", cfg.Name, err)
	}

	sess := session.New(tr, session.Config{
		Station:      byte(cfg.Station),
		Timeout:      cfg.Timeout,
		Attempts:     cfg.Attempts,
		FailWhenBusy: cfg.FailWhenBusy,
		Name:         cfg.Name,
	})
	mon := health.New(sess, health.Config{Name: cfg.Name})

	return &Client{
		name: cfg.Name,
		cfg:  cfg,
		sess: sess,
		mon:  mon,
	}, nil
}

// buildTransport maps a connection configuration onto one of the three
// S-Bus media.
func buildTransport(cfg ConnectionConfig) (transport.Transport, error) {
	codec := sbus.Codec{CRCInit: cfg.CRCInit}

	switch cfg.Protocol {
	case "ether_sbus":
		if cfg.Host == "" {
			return nil, ErrNoHost
		}
		return ether.New(ether.Config{
			Host:   cfg.Host,
			Port:   cfg.Port,
			UseTCP: cfg.ConnectionType == "tcp",
			Codec:  codec,
		}), nil

	case "serial_sbus":
		if cfg.ConnectionType == "tcp_serial_bridge" {
			if cfg.Host == "" {
				return nil, ErrNoHost
			}
			return serial.New(serial.Config{
				Device: net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
				Bridge: true,
				Codec:  codec,
			}), nil
		}
		if cfg.Device == "" {
			return nil, ErrNoDevice
		}
		return serial.New(serial.Config{
			Device: cfg.Device,
			Baud:   cfg.Baudrate,
			Codec:  codec,
		}), nil

	case "profi_sbus":
		if cfg.Host == "" {
			return nil, ErrNoHost
		}
		return profi.New(profi.Config{
			Host:  cfg.Host,
			Port:  cfg.Port,
			Node:  byte(cfg.ProfibusAddress),
			Codec: codec,
		}), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
}

// Name returns the connection name.
func (c *Client) Name() string { return c.name }

// Connect establishes the connection.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.sess.Connect(ctx); err != nil {
		return err
	}
	metrics.ConnectedSessions.Inc()
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mon.Close()
	if c.sess.State() == transport.StateConnected {
		metrics.ConnectedSessions.Dec()
	}
	return c.sess.Close()
}

// Health returns the current connection health.
func (c *Client) Health() health.Status {
	return c.mon.Status()
}

// Info returns transport runtime information.
func (c *Client) Info() transport.Info {
	return c.sess.Info()
}

// ReadRegisters reads count registers starting at start.
func (c *Client) ReadRegisters(ctx context.Context, start uint16, count int) ([]uint32, error) {
	values, err := c.sess.ReadRegisters(ctx, start, count)
	c.mon.Record(err)
	return values, err
}

// ReadTimers reads count timer values starting at start.
func (c *Client) ReadTimers(ctx context.Context, start uint16, count int) ([]uint32, error) {
	values, err := c.sess.ReadTimers(ctx, start, count)
	c.mon.Record(err)
	return values, err
}

// ReadCounters reads count counter values starting at start.
func (c *Client) ReadCounters(ctx context.Context, start uint16, count int) ([]uint32, error) {
	values, err := c.sess.ReadCounters(ctx, start, count)
	c.mon.Record(err)
	return values, err
}

// ReadFlags reads count flags starting at start.
func (c *Client) ReadFlags(ctx context.Context, start uint16, count int) ([]bool, error) {
	flags, err := c.sess.ReadFlags(ctx, start, count)
	c.mon.Record(err)
	return flags, err
}

// WriteRegister writes one register.
func (c *Client) WriteRegister(ctx context.Context, address uint16, value uint32) error {
	err := c.sess.WriteRegister(ctx, address, value)
	c.mon.Record(err)
	return err
}

// WriteTimer writes one timer value.
func (c *Client) WriteTimer(ctx context.Context, address uint16, value uint32) error {
	err := c.sess.WriteTimer(ctx, address, value)
	c.mon.Record(err)
	return err
}

// WriteCounter writes one counter value.
func (c *Client) WriteCounter(ctx context.Context, address uint16, value uint32) error {
	err := c.sess.WriteCounter(ctx, address, value)
	c.mon.Record(err)
	return err
}

// WriteFlag writes one flag.
func (c *Client) WriteFlag(ctx context.Context, address uint16, value bool) error {
	err := c.sess.WriteFlag(ctx, address, value)
	c.mon.Record(err)
	return err
}

// ReadBlock reads count bytes of a data block.
func (c *Client) ReadBlock(ctx context.Context, block, start uint16, count int) ([]byte, error) {
	data, err := c.sess.ReadBlock(ctx, block, start, count)
	c.mon.Record(err)
	return data, err
}

// WriteBlock writes data into a data block.
func (c *Client) WriteBlock(ctx context.Context, block, start uint16, data []byte) error {
	err := c.sess.WriteBlock(ctx, block, start, data)
	c.mon.Record(err)
	return err
}

// DeviceInfo queries the controller identification registers.
func (c *Client) DeviceInfo(ctx context.Context) (*session.DeviceInfo, error) {
	info, err := c.sess.DeviceInfo(ctx)
	c.mon.Record(err)
	return info, err
}

// ReadPoint reads one configured data point. Flag values are widened to
// 0/1 so all point kinds share a value shape.
func (c *Client) ReadPoint(ctx context.Context, point PointConfig) ([]uint32, error) {
	start := uint16(point.Address)
	switch point.Kind {
	case "register":
		return c.ReadRegisters(ctx, start, point.Count)
	case "timer":
		return c.ReadTimers(ctx, start, point.Count)
	case "counter":
		return c.ReadCounters(ctx, start, point.Count)
	case "flag":
		flags, err := c.ReadFlags(ctx, start, point.Count)
		if err != nil {
			return nil, err
		}
		values := make([]uint32, len(flags))
		for i, f := range flags {
			if f {
				values[i] = 1
			}
		}
		return values, nil
	default:
		return nil, fmt.Errorf("%w: unknown point kind %q", sbus.ErrInvalidArgument, point.Kind)
	}
}
