package lamp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chaz8081/luvoctl/internal/lamp/protocol"
)

// writeCall is one recorded Write.
type writeCall struct {
	char string
	data []byte
	ack  bool
}

// fakeLink is an in-memory Link. Writes to the command characteristic are
// passed to respond and the returned payloads are delivered as
// notifications from a separate goroutine, like a real BLE stack does.
type fakeLink struct {
	mu           sync.Mutex
	connected    bool
	connects     int
	disconnects  int
	writes       []writeCall
	subs         map[string]func([]byte)
	subscribes   int
	unsubscribes int
	overlapping  bool // Subscribe while a subscription was active
	readValue    []byte

	connectErr   error
	writeErr     error
	writeErrAt   int // fail the n-th write (1-based) with writeErr, 0 = every write
	readErr      error
	subscribeErr error

	respond func(frame []byte) [][]byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{subs: make(map[string]func([]byte))}
}

func (f *fakeLink) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

func (f *fakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Write(char string, data []byte, withResponse bool) error {
	f.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, writeCall{char: char, data: cp, ack: withResponse})
	n := len(f.writes)
	if f.writeErr != nil && (f.writeErrAt == 0 || f.writeErrAt == n) {
		f.mu.Unlock()
		return f.writeErr
	}
	cb := f.subs[char]
	respond := f.respond
	f.mu.Unlock()

	if respond == nil || cb == nil {
		return nil
	}
	payloads := respond(cp)
	if len(payloads) > 0 {
		go func() {
			for _, p := range payloads {
				cb(p)
			}
		}()
	}
	return nil
}

func (f *fakeLink) Read(_ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readValue, nil
}

func (f *fakeLink) Subscribe(char string, fn func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	if len(f.subs) > 0 {
		f.overlapping = true
	}
	f.subs[char] = fn
	f.subscribes++
	return nil
}

func (f *fakeLink) Unsubscribe(char string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, char)
	f.unsubscribes++
	return nil
}

// writtenFrames returns the data of every recorded write.
func (f *fakeLink) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	for i, w := range f.writes {
		out[i] = w.data
	}
	return out
}

func (f *fakeLink) counts() (connects, disconnects, subscribes, unsubscribes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.subscribes, f.unsubscribes
}

// drop simulates the peripheral closing the connection.
func (f *fakeLink) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeLink) activeSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// scenePage builds an enumeration notification.
func scenePage(id uint8, name string) []byte {
	return append([]byte{0xA0, 0x01, id}, name...)
}

// sceneDevice simulates the lamp's scene listing. With ack set, the first
// request is only acknowledged. Each request after id N answers with the
// scene following N; past the last scene it sends the terminal page
// carrying finalName. Requests beyond answerLimit (when > 0) go unanswered.
type sceneDevice struct {
	mu          sync.Mutex
	ack         bool
	acked       bool
	scenes      []Scene
	finalName   string
	answerLimit int
	answered    int
}

func (d *sceneDevice) respond(frame []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(frame) != 4 || frame[0] != protocol.Opcode || frame[1] != 0x01 || frame[2] != 0x01 {
		return nil
	}
	if d.answerLimit > 0 && d.answered >= d.answerLimit {
		return nil
	}
	d.answered++

	if d.ack && !d.acked {
		d.acked = true
		return [][]byte{{0xA0, 0x01, 0x00}}
	}

	after := frame[3]
	next := 0
	if after != 0 {
		next = len(d.scenes)
		for i, s := range d.scenes {
			if s.ID == after {
				next = i + 1
				break
			}
		}
	}
	if next < len(d.scenes) {
		s := d.scenes[next]
		return [][]byte{scenePage(s.ID, s.Name)}
	}
	return [][]byte{scenePage(0xFF, d.finalName)}
}

var testScenes = []Scene{{ID: 1, Name: "Relax"}, {ID: 2, Name: "Work"}}

func equalScenes(a, b []Scene) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalFrames(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func TestFakeLinkImplementsInterface(t *testing.T) {
	var _ Link = (*fakeLink)(nil)
}

func TestLinkErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := linkErr("write", cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(%v, cause) = false", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || le.Op != "write" {
		t.Errorf("errors.As() = %v, op %q", le, le.Op)
	}
	if linkErr("write", nil) != nil {
		t.Error("linkErr(nil) should be nil")
	}
}
