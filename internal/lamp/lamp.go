package lamp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/luvoctl/internal/lamp/protocol"
)

// Options configures a Lamp.
type Options struct {
	CommandChar  string        // write/notify command characteristic
	SceneChar    string        // readable current scene characteristic
	WithResponse bool          // acknowledged command writes
	PageTimeout  time.Duration // scene enumeration page timeout
}

// DefaultOptions returns the settings for the vendor's stock firmware.
func DefaultOptions() Options {
	return Options{
		CommandChar:  protocol.CommandCharUUID,
		SceneChar:    protocol.SceneCharUUID,
		WithResponse: true,
		PageTimeout:  DefaultPageTimeout,
	}
}

// Lamp is the session with one lamp over one Link. All operations that use
// the link are serialized; the accessors return snapshots of the state the
// last operations left behind. Safe for concurrent use.
type Lamp struct {
	link Link
	opts Options

	// sem admits one link operation at a time.
	sem chan struct{}
	// held is set between Connect and Disconnect; guarded by sem.
	held bool

	mu             sync.RWMutex
	powerOn        bool
	currentScene   uint8
	currentKnown   bool
	scenes         []Scene
	scenesComplete bool
}

// New creates a Lamp bound to link.
func New(link Link, opts Options) *Lamp {
	def := DefaultOptions()
	if opts.CommandChar == "" {
		opts.CommandChar = def.CommandChar
	}
	if opts.SceneChar == "" {
		opts.SceneChar = def.SceneChar
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = def.PageTimeout
	}
	return &Lamp{
		link: link,
		opts: opts,
		sem:  make(chan struct{}, 1),
	}
}

func (l *Lamp) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lamp) release() { <-l.sem }

// Connect opens the link and keeps it open across operations until
// Disconnect; a link dropped in between is reopened by the next operation.
// Without it every operation connects and disconnects on its own.
func (l *Lamp) Connect(ctx context.Context) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	slog.Debug("[LAMP] connecting")
	if err := l.link.Connect(ctx); err != nil {
		return linkErr("connect", err)
	}
	l.held = true
	return nil
}

// restore reopens a held link the peripheral dropped. The caller holds sem.
func (l *Lamp) restore(ctx context.Context) error {
	if !l.held || l.link.IsConnected() {
		return nil
	}
	slog.Info("[LAMP] link lost, reconnecting")
	return linkErr("connect", l.link.Connect(ctx))
}

// Disconnect closes a link opened by Connect. It waits for a running
// operation to finish.
func (l *Lamp) Disconnect() error {
	l.sem <- struct{}{}
	defer l.release()

	l.held = false
	if !l.link.IsConnected() {
		return nil
	}
	slog.Debug("[LAMP] disconnecting")
	return linkErr("disconnect", l.link.Disconnect())
}

// SwitchOn powers the lamp on with its default scene.
func (l *Lamp) SwitchOn(ctx context.Context) error {
	return l.apply(ctx, protocol.PowerOnDefault())
}

// SwitchOff powers the lamp off.
func (l *Lamp) SwitchOff(ctx context.Context) error {
	return l.apply(ctx, protocol.PowerOff())
}

// SelectScene activates scene id. Id 0x00 switches the lamp off and 0xFF
// switches it on with the default scene.
func (l *Lamp) SelectScene(ctx context.Context, id uint8) error {
	return l.apply(ctx, protocol.SelectionFor(id))
}

func (l *Lamp) apply(ctx context.Context, sel protocol.Selection) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	if err := l.restore(ctx); err != nil {
		return err
	}

	slog.Info("[LAMP] selecting scene", "selection", sel.String())
	if err := sendCommand(ctx, l.link, l.opts.CommandChar, protocol.EncodeSceneSelect(sel), l.opts.WithResponse); err != nil {
		return err
	}

	l.mu.Lock()
	l.powerOn = sel.PowersOn()
	l.mu.Unlock()
	return nil
}

// SetColor sets the uplight hue, saturation and brightness. Out of range
// values fail with protocol.ErrOutOfRange before the link is used.
func (l *Lamp) SetColor(ctx context.Context, c protocol.Color) error {
	frame, err := protocol.EncodeHSB(c)
	if err != nil {
		return err
	}
	slog.Info("[LAMP] setting color", "hue", c.Hue, "saturation", c.Saturation, "brightness", c.Brightness, "transition", c.Transition)
	return l.send(ctx, frame)
}

// SetColorTemperature sets the downlight white temperature and brightness.
func (l *Lamp) SetColorTemperature(ctx context.Context, kelvin uint16, brightness float64, transition time.Duration) error {
	frame, err := protocol.EncodeDownlight(kelvin, brightness, transition)
	if err != nil {
		return err
	}
	slog.Info("[LAMP] setting color temperature", "kelvin", kelvin, "brightness", brightness, "transition", transition)
	return l.send(ctx, frame)
}

// SetBrightness changes the brightness of the active scene.
func (l *Lamp) SetBrightness(ctx context.Context, pct float64) error {
	frame, err := protocol.EncodeBrightness(pct)
	if err != nil {
		return err
	}
	slog.Info("[LAMP] setting brightness", "percent", pct)
	return l.send(ctx, frame)
}

func (l *Lamp) send(ctx context.Context, frame []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	if err := l.restore(ctx); err != nil {
		return err
	}
	return sendCommand(ctx, l.link, l.opts.CommandChar, frame, l.opts.WithResponse)
}

// RefreshScenes enumerates the scenes stored on the lamp and replaces the
// known scene list. After a timeout, malformed page or link failure the
// scenes received so far are kept and returned with Complete unset,
// alongside the error. After cancellation the scene list is empty.
func (l *Lamp) RefreshScenes(ctx context.Context) (list SceneList, err error) {
	if err := l.acquire(ctx); err != nil {
		return SceneList{}, err
	}
	defer l.release()
	if err := l.restore(ctx); err != nil {
		return SceneList{}, err
	}

	l.storeScenes(SceneList{})

	releaseLink, err := acquireLink(ctx, l.link)
	if err != nil {
		return SceneList{}, err
	}
	defer func() {
		if rerr := releaseLink(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	slog.Info("[LAMP] reading scenes")
	en := NewSceneEnumerator(l.link, EnumeratorOptions{
		Char:         l.opts.CommandChar,
		PageTimeout:  l.opts.PageTimeout,
		WithResponse: l.opts.WithResponse,
	})
	list, err = en.Run(ctx)
	l.storeScenes(list)
	return list, err
}

func (l *Lamp) storeScenes(list SceneList) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scenes = list.Scenes
	l.scenesComplete = list.Complete
}

// RefreshCurrentScene reads the id of the active scene from the lamp.
func (l *Lamp) RefreshCurrentScene(ctx context.Context) (id uint8, err error) {
	if err := l.acquire(ctx); err != nil {
		return 0, err
	}
	defer l.release()
	if err := l.restore(ctx); err != nil {
		return 0, err
	}

	releaseLink, err := acquireLink(ctx, l.link)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := releaseLink(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	raw, err := l.link.Read(l.opts.SceneChar)
	if err != nil {
		return 0, linkErr("read", err)
	}
	id, err = protocol.DecodeCurrentScene(raw)
	if err != nil {
		return 0, fmt.Errorf("lamp: current scene: %w", err)
	}

	l.mu.Lock()
	l.currentScene = id
	l.currentKnown = true
	l.mu.Unlock()

	slog.Debug("[LAMP] current scene", "id", id)
	return id, nil
}

// CurrentSceneID returns the scene id read by the last RefreshCurrentScene.
func (l *Lamp) CurrentSceneID() (uint8, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentScene, l.currentKnown
}

// CurrentSceneName looks the current scene up in the known scenes.
func (l *Lamp) CurrentSceneName() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.currentKnown {
		return "", false
	}
	for _, s := range l.scenes {
		if s.ID == l.currentScene {
			return s.Name, true
		}
	}
	return "", false
}

// Scenes returns a copy of the known scenes.
func (l *Lamp) Scenes() []Scene {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Scene, len(l.scenes))
	copy(out, l.scenes)
	return out
}

// ScenesComplete reports whether the last RefreshScenes reached the end of
// the lamp's scene list.
func (l *Lamp) ScenesComplete() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scenesComplete
}

// IsOn reports the power state implied by the last scene selection.
func (l *Lamp) IsOn() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.powerOn
}
