package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotConnected is returned by link operations on a closed link.
var ErrNotConnected = errors.New("ble: not connected")

// LinkOptions configures the GATT link behavior.
type LinkOptions struct {
	ServiceUUID    string        // service holding the lamp characteristics
	ConnectTimeout time.Duration // per connection attempt
	ConnectTries   int           // total connection attempts
	ReconnectMax   int           // max backoff between attempts in seconds
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions(serviceUUID string) LinkOptions {
	return LinkOptions{
		ServiceUUID:    serviceUUID,
		ConnectTimeout: 10 * time.Second,
		ConnectTries:   1,
		ReconnectMax:   30,
	}
}

// GATTLink is a connection to one peripheral addressed by MAC (or
// CoreBluetooth UUID on macOS). Characteristics are discovered on first use
// and cached for the lifetime of the connection. Safe for concurrent use.
type GATTLink struct {
	adapter Adapter
	address string
	opts    LinkOptions

	// wait blocks for d or until ctx ends; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	conn      Connection
	chars     map[string]Characteristic
	connected bool
}

// NewLink creates a link to the device at address. It does not connect.
func NewLink(adapter Adapter, address string, opts LinkOptions) (*GATTLink, error) {
	if address == "" {
		return nil, fmt.Errorf("ble: device address must not be empty")
	}
	if opts.ServiceUUID == "" {
		return nil, fmt.Errorf("ble: service UUID must not be empty")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ConnectTries <= 0 {
		opts.ConnectTries = 1
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	return &GATTLink{
		adapter: adapter,
		address: address,
		opts:    opts,
		wait:    waitContext,
	}, nil
}

// waitContext blocks for d, returning early with ctx's error.
func waitContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the peripheral address.
func (l *GATTLink) Address() string { return l.address }

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 31 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Connect enables the adapter and connects to the peripheral, retrying
// with exponential backoff up to ConnectTries attempts.
func (l *GATTLink) Connect(ctx context.Context) error {
	if l.IsConnected() {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < l.opts.ConnectTries; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, l.opts.ReconnectMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			if err := l.wait(ctx, delay); err != nil {
				return fmt.Errorf("ble: connect to %s: %w", l.address, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ble: connect to %s: %w", l.address, err)
		}

		conn, err := l.connectOnce(ctx)
		if err != nil {
			slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
			lastErr = err
			continue
		}

		l.setConnected(conn)
		conn.OnDisconnect(func() {
			slog.Warn("[BLE] disconnected by peripheral", "address", l.address)
			l.dropConnection(conn)
		})
		slog.Info("[BLE] connected", "address", l.address)
		return nil
	}
	return lastErr
}

func (l *GATTLink) connectOnce(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()
	return l.adapter.Connect(ctx, l.address)
}

// setConnected installs conn as the active connection.
func (l *GATTLink) setConnected(conn Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.chars = make(map[string]Characteristic)
	l.connected = true
}

// dropConnection forgets conn if it is still the active connection.
func (l *GATTLink) dropConnection(conn Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn {
		return
	}
	l.connected = false
	l.conn = nil
	l.chars = nil
}

// IsConnected reports whether the link is open.
func (l *GATTLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Disconnect closes the connection. Disconnecting a closed link is a no-op.
func (l *GATTLink) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	l.connected = false
	l.conn = nil
	l.chars = nil
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect from %s: %w", l.address, err)
	}
	slog.Info("[BLE] disconnected", "address", l.address)
	return nil
}

// characteristic returns the cached characteristic, discovering it on first use.
func (l *GATTLink) characteristic(uuid string) (Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, ErrNotConnected
	}
	if c, ok := l.chars[uuid]; ok {
		return c, nil
	}
	c, err := l.conn.DiscoverCharacteristic(l.opts.ServiceUUID, uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: discover %s: %w", uuid, err)
	}
	l.chars[uuid] = c
	return c, nil
}

// Write sends data to the characteristic uuid.
func (l *GATTLink) Write(uuid string, data []byte, withResponse bool) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := c.Write(data, withResponse); err != nil {
		return fmt.Errorf("ble: write %s: %w", uuid, err)
	}
	return nil
}

// Read returns the value of the characteristic uuid.
func (l *GATTLink) Read(uuid string) ([]byte, error) {
	c, err := l.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	data, err := c.Read()
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", uuid, err)
	}
	return data, nil
}

// Subscribe enables notifications on the characteristic uuid.
func (l *GATTLink) Subscribe(uuid string, fn func(data []byte)) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	if err := c.Subscribe(fn); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", uuid, err)
	}
	return nil
}

// Unsubscribe disables notifications on the characteristic uuid. It is a
// no-op after the peripheral dropped the connection.
func (l *GATTLink) Unsubscribe(uuid string) error {
	l.mu.Lock()
	c, ok := l.chars[uuid]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.Unsubscribe(); err != nil {
		return fmt.Errorf("ble: unsubscribe %s: %w", uuid, err)
	}
	return nil
}
