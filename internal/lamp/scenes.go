package lamp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/luvoctl/internal/lamp/protocol"
)

// DefaultPageTimeout bounds the wait for each scene page notification.
const DefaultPageTimeout = 5 * time.Second

// Scene is a scene stored on the lamp.
type Scene struct {
	ID   uint8
	Name string
}

// SceneList is the outcome of a scene enumeration. Complete is false when
// the run ended before the lamp signalled the end of the stream.
type SceneList struct {
	Scenes   []Scene
	Complete bool
}

// State is the phase of a scene enumeration run.
type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EnumeratorOptions configures a SceneEnumerator.
type EnumeratorOptions struct {
	Char         string        // characteristic carrying requests and pages
	PageTimeout  time.Duration // max wait for each page
	WithResponse bool          // acknowledged page requests
}

// pageEvent is one notification handed from the link callback to Run.
type pageEvent struct {
	page protocol.Page
	err  error
}

// SceneEnumerator retrieves the scene list page by page. The lamp answers
// every page request with one notification naming a scene and the next
// request continues after that scene's id, until a page with id 0xFF ends
// the stream.
type SceneEnumerator struct {
	link Link
	opts EnumeratorOptions

	mu      sync.Mutex
	state   State
	running bool

	// Owned by Run.
	scenes  []Scene
	pending uint8
}

// NewSceneEnumerator creates an enumerator over an open link.
func NewSceneEnumerator(link Link, opts EnumeratorOptions) *SceneEnumerator {
	if opts.Char == "" {
		opts.Char = protocol.CommandCharUUID
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = DefaultPageTimeout
	}
	return &SceneEnumerator{link: link, opts: opts}
}

// State returns the current phase of the run.
func (e *SceneEnumerator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *SceneEnumerator) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		slog.Debug("[LAMP] scene enumeration", "from", prev, "to", s)
	}
}

// Run performs one enumeration. On a timeout, malformed page or link error
// it returns the scenes received so far with Complete unset together with
// the error. If ctx ends first the partial scenes are discarded and
// ctx.Err() is returned. The subscription is removed on every exit path.
func (e *SceneEnumerator) Run(ctx context.Context) (list SceneList, err error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return SceneList{}, fmt.Errorf("lamp: scene enumeration already running")
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.scenes = nil
	e.pending = 0
	e.setState(StateIdle)

	pages := make(chan pageEvent, 1)
	if err := e.link.Subscribe(e.opts.Char, e.notifyHandler(pages)); err != nil {
		e.setState(StateFailed)
		return SceneList{}, linkErr("subscribe", err)
	}
	defer func() {
		if uerr := e.link.Unsubscribe(e.opts.Char); uerr != nil {
			slog.Warn("[LAMP] unsubscribe failed", "error", uerr)
			if err == nil {
				err = linkErr("unsubscribe", uerr)
			}
		}
	}()

	e.setState(StateAwaitingAck)
	if err := e.request(0x00); err != nil {
		return e.fail(err)
	}

	for {
		ev, err := e.await(ctx, pages)
		if err != nil {
			if ctx.Err() != nil {
				e.scenes = nil
				e.setState(StateFailed)
				return SceneList{}, err
			}
			return e.fail(err)
		}

		done, err := e.handle(ev)
		if err != nil {
			return e.fail(err)
		}
		if done {
			e.setState(StateDone)
			slog.Info("[LAMP] scenes enumerated", "count", len(e.scenes))
			return SceneList{Scenes: e.snapshot(), Complete: true}, nil
		}
	}
}

// notifyHandler decodes notifications on the delivering goroutine and hands
// them to Run. Only one request is outstanding, so a full slot means the
// lamp sent an unsolicited page.
func (e *SceneEnumerator) notifyHandler(pages chan<- pageEvent) func([]byte) {
	return func(data []byte) {
		page, err := protocol.DecodeScenePage(data)
		select {
		case pages <- pageEvent{page: page, err: err}:
		default:
			slog.Warn("[LAMP] dropping unsolicited scene page", "payload", fmt.Sprintf("% X", data))
		}
	}
}

// await blocks until the next page, the page timeout or ctx cancellation.
func (e *SceneEnumerator) await(ctx context.Context, pages <-chan pageEvent) (pageEvent, error) {
	timer := time.NewTimer(e.opts.PageTimeout)
	defer timer.Stop()

	select {
	case ev := <-pages:
		return ev, nil
	case <-timer.C:
		return pageEvent{}, fmt.Errorf("%w: no scene page within %v (%d scenes received)",
			ErrProtocolTimeout, e.opts.PageTimeout, len(e.scenes))
	case <-ctx.Done():
		return pageEvent{}, ctx.Err()
	}
}

// handle applies one page and reports whether the stream is finished.
func (e *SceneEnumerator) handle(ev pageEvent) (bool, error) {
	if ev.err != nil {
		return false, ev.err
	}
	page := ev.page

	switch {
	case page.IsAck():
		if e.State() != StateAwaitingAck {
			return false, fmt.Errorf("%w: acknowledgement after scene %d", protocol.ErrMalformedFrame, e.pending)
		}
		e.setState(StateStreaming)
		return false, e.request(0x00)

	case page.IsFinal():
		// The terminal page names the last requested scene, which has
		// normally been received already.
		if page.Name != "" && e.pending != 0 {
			if prev, ok := e.lookup(e.pending); !ok {
				e.scenes = append(e.scenes, Scene{ID: e.pending, Name: page.Name})
			} else if prev != page.Name {
				slog.Warn("[LAMP] final page renames scene, keeping first name",
					"id", e.pending, "name", prev, "final", page.Name)
			}
		}
		return true, nil

	default:
		if _, ok := e.lookup(page.ID); ok {
			return false, fmt.Errorf("%w: scene %d repeated", protocol.ErrMalformedFrame, page.ID)
		}
		e.setState(StateStreaming)
		e.scenes = append(e.scenes, Scene{ID: page.ID, Name: page.Name})
		e.pending = page.ID
		slog.Debug("[LAMP] scene page", "id", page.ID, "name", page.Name)
		return false, e.request(page.ID)
	}
}

func (e *SceneEnumerator) request(after uint8) error {
	frame := protocol.EncodeScenePageRequest(after)
	return linkErr("write", e.link.Write(e.opts.Char, frame, e.opts.WithResponse))
}

func (e *SceneEnumerator) fail(err error) (SceneList, error) {
	e.setState(StateFailed)
	slog.Warn("[LAMP] scene enumeration failed", "error", err, "received", len(e.scenes))
	return SceneList{Scenes: e.snapshot(), Complete: false}, err
}

func (e *SceneEnumerator) lookup(id uint8) (string, bool) {
	for _, s := range e.scenes {
		if s.ID == id {
			return s.Name, true
		}
	}
	return "", false
}

func (e *SceneEnumerator) snapshot() []Scene {
	out := make([]Scene, len(e.scenes))
	copy(out, e.scenes)
	return out
}
