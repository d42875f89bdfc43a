// Package protocol implements the byte framing of the lamp's vendor GATT
// command protocol. Every frame starts with the Opcode byte and multi-byte
// fields are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Vendor GATT UUIDs
const (
	ServiceUUID     = "44092840-0567-11e6-b862-0002a5d5c51b"
	CommandCharUUID = "44092842-0567-11e6-b862-0002a5d5c51b"
	SceneCharUUID   = "44092844-0567-11e6-b862-0002a5d5c51b"
)

// Opcode prefixes every command frame.
const Opcode = 0xA0

// MaxSceneNameBytes is the longest scene name the lamp stores.
const MaxSceneNameBytes = 60

// MaxTransition is the longest fade the 16-bit duration field can carry.
const MaxTransition = 0xFFFF * time.Millisecond

// Kelvin range of the downlight.
const (
	MinKelvin = 2700
	MaxKelvin = 4000
)

var (
	// ErrOutOfRange is returned when a caller supplied value cannot be encoded.
	ErrOutOfRange = errors.New("protocol: value out of range")
	// ErrMalformedFrame is returned for payloads that do not match the frame layout.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// Scene ids with a reserved meaning in a scene selection frame.
const (
	sceneOff     uint8 = 0x00
	sceneDefault uint8 = 0xFF
)

type selectionKind uint8

const (
	selectPowerOff selectionKind = iota
	selectPowerOnDefault
	selectStored
)

// Selection is the target of a scene select command.
type Selection struct {
	kind selectionKind
	id   uint8
}

// PowerOff switches the lamp off.
func PowerOff() Selection { return Selection{kind: selectPowerOff} }

// PowerOnDefault switches the lamp on with its default scene.
func PowerOnDefault() Selection { return Selection{kind: selectPowerOnDefault} }

// Stored selects a scene saved on the lamp. The reserved ids 0x00 and 0xFF
// are rejected.
func Stored(id uint8) (Selection, error) {
	if id == sceneOff || id == sceneDefault {
		return Selection{}, fmt.Errorf("%w: scene id 0x%02x is reserved", ErrOutOfRange, id)
	}
	return Selection{kind: selectStored, id: id}, nil
}

// SelectionFor maps a raw scene id onto its selection.
func SelectionFor(id uint8) Selection {
	switch id {
	case sceneOff:
		return PowerOff()
	case sceneDefault:
		return PowerOnDefault()
	default:
		return Selection{kind: selectStored, id: id}
	}
}

// ID returns the byte sent on the wire for this selection.
func (s Selection) ID() uint8 {
	switch s.kind {
	case selectPowerOff:
		return sceneOff
	case selectPowerOnDefault:
		return sceneDefault
	default:
		return s.id
	}
}

// PowersOn reports whether the lamp is lit after applying the selection.
func (s Selection) PowersOn() bool {
	return s.kind != selectPowerOff
}

func (s Selection) String() string {
	switch s.kind {
	case selectPowerOff:
		return "off"
	case selectPowerOnDefault:
		return "on"
	default:
		return fmt.Sprintf("scene %d", s.id)
	}
}

// EncodeSceneSelect builds a scene selection frame.
//
//	[0xA0, 0x02, 0x05, scene_id]
func EncodeSceneSelect(s Selection) []byte {
	return []byte{Opcode, 0x02, 0x05, s.ID()}
}

// Color is an uplight HSB command.
type Color struct {
	Hue        float64       // degrees, 0..360
	Saturation float64       // percent, 0..100
	Brightness float64       // percent, 0..100
	Transition time.Duration // fade duration, millisecond resolution
}

// EncodeHSB builds an uplight color frame.
//
//	[0xA0, 0x07, 0x02, 0x01, t_hi, t_lo, sat, hue_hi, hue_lo, brightness]
func EncodeHSB(c Color) ([]byte, error) {
	hue, err := hueToUint16(c.Hue)
	if err != nil {
		return nil, err
	}
	sat, err := percentToByte("saturation", c.Saturation)
	if err != nil {
		return nil, err
	}
	bri, err := percentToByte("brightness", c.Brightness)
	if err != nil {
		return nil, err
	}
	ms, err := transitionToUint16(c.Transition)
	if err != nil {
		return nil, err
	}

	buf := []byte{Opcode, 0x07, 0x02, 0x01}
	buf = binary.BigEndian.AppendUint16(buf, ms)
	buf = append(buf, sat)
	buf = binary.BigEndian.AppendUint16(buf, hue)
	buf = append(buf, bri)
	return buf, nil
}

// DecodeHSB parses a frame produced by EncodeHSB. Values come back
// quantized to the wire resolution.
func DecodeHSB(frame []byte) (Color, error) {
	if len(frame) != 10 || frame[0] != Opcode || frame[1] != 0x07 || frame[2] != 0x02 || frame[3] != 0x01 {
		return Color{}, fmt.Errorf("%w: not an HSB frame: % X", ErrMalformedFrame, frame)
	}
	return Color{
		Transition: time.Duration(binary.BigEndian.Uint16(frame[4:6])) * time.Millisecond,
		Saturation: float64(frame[6]) / 255 * 100,
		Hue:        float64(binary.BigEndian.Uint16(frame[7:9])) / 65535 * 360,
		Brightness: float64(frame[9]) / 255 * 100,
	}, nil
}

// EncodeDownlight builds a downlight white frame.
//
//	[0xA0, 0x07, 0x02, 0x02, t_hi, t_lo, kelvin_hi, kelvin_lo, brightness]
func EncodeDownlight(kelvin uint16, brightness float64, transition time.Duration) ([]byte, error) {
	if kelvin < MinKelvin || kelvin > MaxKelvin {
		return nil, fmt.Errorf("%w: color temperature %dK outside [%d, %d]", ErrOutOfRange, kelvin, MinKelvin, MaxKelvin)
	}
	bri, err := percentToByte("brightness", brightness)
	if err != nil {
		return nil, err
	}
	ms, err := transitionToUint16(transition)
	if err != nil {
		return nil, err
	}

	buf := []byte{Opcode, 0x07, 0x02, 0x02}
	buf = binary.BigEndian.AppendUint16(buf, ms)
	buf = binary.BigEndian.AppendUint16(buf, kelvin)
	buf = append(buf, bri)
	return buf, nil
}

// EncodeBrightness builds a frame that changes brightness while keeping the
// current scene. The lamp takes a whole percent here, not a 0..255 value.
//
//	[0xA0, 0x07, 0x03, percent]
func EncodeBrightness(pct float64) ([]byte, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: brightness %v%% outside [0, 100]", ErrOutOfRange, pct)
	}
	return []byte{Opcode, 0x07, 0x03, uint8(math.Round(pct))}, nil
}

// EncodeScenePageRequest asks the lamp for the scene following afterID.
// An afterID of zero requests the first page.
//
//	[0xA0, 0x01, 0x01, after_id]
func EncodeScenePageRequest(afterID uint8) []byte {
	return []byte{Opcode, 0x01, 0x01, afterID}
}

// Page is one decoded scene enumeration notification.
type Page struct {
	ID   uint8 // 0x00 acknowledgement, 0xFF end of stream, otherwise a scene id
	Name string
}

// IsAck reports whether the page only acknowledges the initial request.
func (p Page) IsAck() bool { return p.ID == 0x00 }

// IsFinal reports whether the page terminates the stream.
func (p Page) IsFinal() bool { return p.ID == 0xFF }

// DecodeScenePage parses a scene enumeration notification.
//
//	[echo0, echo1, status_or_id, name...]
func DecodeScenePage(payload []byte) (Page, error) {
	if len(payload) < 3 {
		return Page{}, fmt.Errorf("%w: scene page of %d bytes, want at least 3", ErrMalformedFrame, len(payload))
	}
	raw := payload[3:]
	if !utf8.Valid(raw) {
		return Page{}, fmt.Errorf("%w: scene name is not valid UTF-8", ErrMalformedFrame)
	}
	name := strings.Trim(string(raw), "\x00")
	if len(name) > MaxSceneNameBytes {
		return Page{}, fmt.Errorf("%w: scene name of %d bytes exceeds %d", ErrMalformedFrame, len(name), MaxSceneNameBytes)
	}
	return Page{ID: payload[2], Name: name}, nil
}

// DecodeCurrentScene parses the current scene characteristic as a big-endian
// unsigned integer of whatever width the lamp returned.
func DecodeCurrentScene(payload []byte) (uint8, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty current scene value", ErrMalformedFrame)
	}
	var v uint64
	for _, b := range payload {
		if v > math.MaxUint64>>8 {
			return 0, fmt.Errorf("%w: current scene value too wide: % X", ErrMalformedFrame, payload)
		}
		v = v<<8 | uint64(b)
	}
	if v > math.MaxUint8 {
		return 0, fmt.Errorf("%w: current scene id %d does not fit a byte", ErrMalformedFrame, v)
	}
	return uint8(v), nil
}

func hueToUint16(deg float64) (uint16, error) {
	if math.IsNaN(deg) || deg < 0 || deg > 360 {
		return 0, fmt.Errorf("%w: hue %v outside [0, 360]", ErrOutOfRange, deg)
	}
	return uint16(math.Round(deg / 360 * 65535)), nil
}

func percentToByte(field string, pct float64) (uint8, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%w: %s %v%% outside [0, 100]", ErrOutOfRange, field, pct)
	}
	return uint8(math.Round(pct / 100 * 255)), nil
}

func transitionToUint16(d time.Duration) (uint16, error) {
	if d < 0 || d > MaxTransition {
		return 0, fmt.Errorf("%w: transition %v outside [0, %v]", ErrOutOfRange, d, MaxTransition)
	}
	return uint16(d / time.Millisecond), nil
}
