//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService     = "org.bluez"
	bluezDevice      = "org.bluez.Device1"
	bluezGattChar    = "org.bluez.GattCharacteristic1"
	objectManagerGet = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// bluezObjects is the reply of ObjectManager.GetManagedObjects.
type bluezObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// writeWithResponse sends a GATT write request through BlueZ. tinygo only
// exposes write commands on Linux, so the request goes to the
// characteristic's D-Bus object directly.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}
	path, err := c.objectPath(bus)
	if err != nil {
		return err
	}

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := bus.Object(bluezService, path).Call(bluezGattChar+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write request %s: %w", c.uuid, err)
	}
	return nil
}

// objectPath resolves and caches the BlueZ path of the characteristic.
func (c *tinyGoCharacteristic) objectPath(bus *dbus.Conn) (dbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path != "" {
		return dbus.ObjectPath(c.path), nil
	}

	var objects bluezObjects
	if err := bus.Object(bluezService, "/").Call(objectManagerGet, 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list bluez objects: %w", err)
	}
	path, err := findCharacteristicPath(objects, c.address, c.uuid)
	if err != nil {
		return "", err
	}
	c.path = string(path)
	return path, nil
}

// findCharacteristicPath returns the path of the characteristic uuid that
// belongs to the device with the given MAC address.
func findCharacteristicPath(objects bluezObjects, address, uuid string) (dbus.ObjectPath, error) {
	var device dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice]
		if !ok {
			continue
		}
		if addr, _ := props["Address"].Value().(string); strings.EqualFold(addr, address) {
			device = path
			break
		}
	}
	if device == "" {
		return "", fmt.Errorf("ble: device %s not known to bluez", address)
	}

	prefix := string(device) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if id, _ := props["UUID"].Value().(string); strings.EqualFold(id, uuid) {
			return path, nil
		}
	}
	return "", fmt.Errorf("ble: characteristic %s not found on %s", uuid, address)
}
