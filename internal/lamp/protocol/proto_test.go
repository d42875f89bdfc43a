package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeSceneSelect(t *testing.T) {
	stored, err := Stored(7)
	if err != nil {
		t.Fatalf("Stored(7) error = %v", err)
	}

	tests := []struct {
		name string
		sel  Selection
		want []byte
		on   bool
	}{
		{"off", PowerOff(), []byte{0xA0, 0x02, 0x05, 0x00}, false},
		{"default", PowerOnDefault(), []byte{0xA0, 0x02, 0x05, 0xFF}, true},
		{"stored", stored, []byte{0xA0, 0x02, 0x05, 0x07}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeSceneSelect(tt.sel)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeSceneSelect(%v) = % X, want % X", tt.sel, got, tt.want)
			}
			if tt.sel.PowersOn() != tt.on {
				t.Errorf("PowersOn() = %v, want %v", tt.sel.PowersOn(), tt.on)
			}
		})
	}
}

func TestStoredRejectsReservedIDs(t *testing.T) {
	for _, id := range []uint8{0x00, 0xFF} {
		if _, err := Stored(id); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Stored(0x%02x) error = %v, want ErrOutOfRange", id, err)
		}
	}
}

func TestSelectionFor(t *testing.T) {
	if got := SelectionFor(0x00); got != PowerOff() {
		t.Errorf("SelectionFor(0) = %v, want off", got)
	}
	if got := SelectionFor(0xFF); got != PowerOnDefault() {
		t.Errorf("SelectionFor(0xFF) = %v, want on", got)
	}
	if got := SelectionFor(12); got.ID() != 12 || !got.PowersOn() {
		t.Errorf("SelectionFor(12) = %v, want scene 12", got)
	}
}

func TestEncodeHSB(t *testing.T) {
	got, err := EncodeHSB(Color{Hue: 180, Saturation: 100, Brightness: 50, Transition: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("EncodeHSB() error = %v", err)
	}
	// hue 180 -> round(0.5*65535) = 32768 = 0x8000, 50% -> round(127.5) = 128
	want := []byte{0xA0, 0x07, 0x02, 0x01, 0x01, 0xF4, 0xFF, 0x80, 0x00, 0x80}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeHSB() = % X, want % X", got, want)
	}
}

func TestEncodeHSBHueBoundaries(t *testing.T) {
	tests := []struct {
		hue     float64
		wantErr bool
	}{
		{-1, true},
		{0, false},
		{360, false},
		{361, true},
		{math.NaN(), true},
	}
	for _, tt := range tests {
		_, err := EncodeHSB(Color{Hue: tt.hue, Saturation: 50, Brightness: 50})
		if tt.wantErr && !errors.Is(err, ErrOutOfRange) {
			t.Errorf("EncodeHSB(hue=%v) error = %v, want ErrOutOfRange", tt.hue, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("EncodeHSB(hue=%v) unexpected error: %v", tt.hue, err)
		}
	}
}

func TestEncodeHSBPercentAndTransitionBoundaries(t *testing.T) {
	bad := []Color{
		{Saturation: -0.1},
		{Saturation: 100.1},
		{Brightness: -1},
		{Brightness: 101},
		{Transition: -time.Millisecond},
		{Transition: MaxTransition + time.Millisecond},
	}
	for _, c := range bad {
		if _, err := EncodeHSB(c); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("EncodeHSB(%+v) error = %v, want ErrOutOfRange", c, err)
		}
	}

	got, err := EncodeHSB(Color{Hue: 360, Saturation: 100, Brightness: 100, Transition: MaxTransition})
	if err != nil {
		t.Fatalf("EncodeHSB(max) error = %v", err)
	}
	want := []byte{0xA0, 0x07, 0x02, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeHSB(max) = % X, want % X", got, want)
	}
}

func TestHSBRoundTripWithinQuantization(t *testing.T) {
	const hueStep = 360.0 / 65535
	const pctStep = 100.0 / 255

	for hue := 0.0; hue <= 360; hue += 7.3 {
		for pct := 0.0; pct <= 100; pct += 3.7 {
			in := Color{Hue: hue, Saturation: pct, Brightness: 100 - pct}
			frame, err := EncodeHSB(in)
			if err != nil {
				t.Fatalf("EncodeHSB(%+v) error = %v", in, err)
			}
			out, err := DecodeHSB(frame)
			if err != nil {
				t.Fatalf("DecodeHSB(% X) error = %v", frame, err)
			}
			if math.Abs(out.Hue-in.Hue) > hueStep {
				t.Errorf("hue %v round-tripped to %v", in.Hue, out.Hue)
			}
			if math.Abs(out.Saturation-in.Saturation) > pctStep {
				t.Errorf("saturation %v round-tripped to %v", in.Saturation, out.Saturation)
			}
			if math.Abs(out.Brightness-in.Brightness) > pctStep {
				t.Errorf("brightness %v round-tripped to %v", in.Brightness, out.Brightness)
			}
		}
	}
}

func TestDecodeHSBRejectsOtherFrames(t *testing.T) {
	_, err := DecodeHSB(EncodeScenePageRequest(0))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeHSB(page request) error = %v, want ErrMalformedFrame", err)
	}
}

func TestEncodeDownlight(t *testing.T) {
	got, err := EncodeDownlight(2801, 100, 0)
	if err != nil {
		t.Fatalf("EncodeDownlight() error = %v", err)
	}
	want := []byte{0xA0, 0x07, 0x02, 0x02, 0x00, 0x00, 0x0A, 0xF1, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeDownlight() = % X, want % X", got, want)
	}

	for _, k := range []uint16{MinKelvin - 1, MaxKelvin + 1} {
		if _, err := EncodeDownlight(k, 50, 0); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("EncodeDownlight(%d) error = %v, want ErrOutOfRange", k, err)
		}
	}
}

func TestEncodeBrightness(t *testing.T) {
	got, err := EncodeBrightness(48)
	if err != nil {
		t.Fatalf("EncodeBrightness() error = %v", err)
	}
	if want := []byte{0xA0, 0x07, 0x03, 0x30}; !bytes.Equal(got, want) {
		t.Errorf("EncodeBrightness(48) = % X, want % X", got, want)
	}
	if _, err := EncodeBrightness(120); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("EncodeBrightness(120) error = %v, want ErrOutOfRange", err)
	}
}

func TestEncodeScenePageRequest(t *testing.T) {
	if got, want := EncodeScenePageRequest(0), []byte{0xA0, 0x01, 0x01, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("EncodeScenePageRequest(0) = % X, want % X", got, want)
	}
	if got, want := EncodeScenePageRequest(0x2A), []byte{0xA0, 0x01, 0x01, 0x2A}; !bytes.Equal(got, want) {
		t.Errorf("EncodeScenePageRequest(42) = % X, want % X", got, want)
	}
}

func TestDecodeScenePageAck(t *testing.T) {
	page, err := DecodeScenePage([]byte{0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeScenePage() error = %v", err)
	}
	if !page.IsAck() || page.IsFinal() {
		t.Errorf("page = %+v, want acknowledgement marker", page)
	}
	if page.Name != "" {
		t.Errorf("Name = %q, want empty", page.Name)
	}
}

func TestDecodeScenePageScene(t *testing.T) {
	payload := append([]byte{0xA0, 0x01, 0x03}, []byte("Relax\x00\x00\x00")...)
	page, err := DecodeScenePage(payload)
	if err != nil {
		t.Fatalf("DecodeScenePage() error = %v", err)
	}
	if page.ID != 3 || page.Name != "Relax" {
		t.Errorf("page = %+v, want {3 Relax}", page)
	}
	if page.IsAck() || page.IsFinal() {
		t.Errorf("page %+v should be a plain scene", page)
	}
}

func TestDecodeScenePageLeadingPadding(t *testing.T) {
	payload := append([]byte{0xA0, 0x01, 0xFF, 0x00}, []byte("Work")...)
	page, err := DecodeScenePage(payload)
	if err != nil {
		t.Fatalf("DecodeScenePage() error = %v", err)
	}
	if !page.IsFinal() || page.Name != "Work" {
		t.Errorf("page = %+v, want final page named Work", page)
	}
}

func TestDecodeScenePageMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"nil", nil},
		{"short", []byte{0xA0, 0x01}},
		{"invalid utf8", []byte{0xA0, 0x01, 0x02, 0xC3, 0x28}},
		{"name too long", append([]byte{0xA0, 0x01, 0x02}, bytes.Repeat([]byte("x"), MaxSceneNameBytes+1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeScenePage(tt.payload); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeScenePage(% X) error = %v, want ErrMalformedFrame", tt.payload, err)
			}
		})
	}
}

func TestDecodeCurrentScene(t *testing.T) {
	tests := []struct {
		payload []byte
		want    uint8
		wantErr bool
	}{
		{[]byte{0x07}, 7, false},
		{[]byte{0x00, 0x0C}, 12, false},
		{[]byte{0x00, 0x00, 0x00, 0xFF}, 255, false},
		{[]byte{0x01, 0x00}, 0, true},
		{nil, 0, true},
		{bytes.Repeat([]byte{0x01}, 9), 0, true},
	}
	for _, tt := range tests {
		got, err := DecodeCurrentScene(tt.payload)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeCurrentScene(% X) error = %v, want ErrMalformedFrame", tt.payload, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("DecodeCurrentScene(% X) unexpected error: %v", tt.payload, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DecodeCurrentScene(% X) = %d, want %d", tt.payload, got, tt.want)
		}
	}
}
