package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxAttributeSize is the largest value a GATT attribute can hold.
const maxAttributeSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS). On macOS, device addresses are CoreBluetooth UUIDs rather than
// MAC addresses; the address string is passed through unchanged.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// enableMu serializes Enable; only a success is latched.
	enableMu sync.Mutex
	enabled  bool
	// powerOn enables the controller and installs the connect handler.
	powerOn func() error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by parsed address
}

// NewTinyGoAdapter creates a BLE adapter on the system's default controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
	a.powerOn = a.powerOnStack
	return a
}

// Enable powers on the adapter. A failed attempt is retried by the next
// call, so a controller switched on later is picked up.
func (a *TinyGoAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.powerOn(); err != nil {
		return err
	}
	a.enabled = true
	return nil
}

func (a *TinyGoAdapter) powerOnStack() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.dropConnection(device.Address.String())
	})
	return nil
}

// dropConnection forgets the connection to id and notifies its owner.
func (a *TinyGoAdapter) dropConnection(id string) {
	a.mu.Lock()
	conn, ok := a.connections[id]
	if ok {
		delete(a.connections, id)
	}
	a.mu.Unlock()
	if ok {
		conn.fireDisconnect()
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)
	id := addr.String()

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be cancelled; a late success is
		// torn down so the peripheral is not left connected.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: result.device, address: id}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0], address: c.address, uuid: charUUID}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char    bluetooth.DeviceCharacteristic
	address string
	uuid    string

	// mu guards path, the BlueZ object path resolved on first
	// acknowledged write (Linux only).
	mu   sync.Mutex
	path string
}

// Write sends data as a write request (withResponse) or a write command.
// Acknowledged writes are platform specific, see writeWithResponse.
func (c *tinyGoCharacteristic) Write(data []byte, withResponse bool) error {
	if withResponse {
		return c.writeWithResponse(data)
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxAttributeSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *tinyGoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
