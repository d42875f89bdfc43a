//go:build darwin || windows

package ble

// writeWithResponse uses the stack's acknowledged write.
func (c *tinyGoCharacteristic) writeWithResponse(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
