// Package bridge exposes a lamp on an MQTT broker. Commands arrive as JSON
// on <prefix>/set; the lamp state and its scene list are published on
// <prefix>/state and <prefix>/scenes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/luvoctl/internal/lamp"
	"github.com/chaz8081/luvoctl/internal/lamp/protocol"
)

// Controller is the subset of *lamp.Lamp the bridge drives.
type Controller interface {
	SwitchOn(ctx context.Context) error
	SwitchOff(ctx context.Context) error
	SelectScene(ctx context.Context, id uint8) error
	SetColor(ctx context.Context, c protocol.Color) error
	SetColorTemperature(ctx context.Context, kelvin uint16, brightness float64, transition time.Duration) error
	SetBrightness(ctx context.Context, pct float64) error
	RefreshScenes(ctx context.Context) (lamp.SceneList, error)
	RefreshCurrentScene(ctx context.Context) (uint8, error)
	Scenes() []lamp.Scene
	ScenesComplete() bool
	CurrentSceneID() (uint8, bool)
	CurrentSceneName() (string, bool)
	IsOn() bool
}

// Broker publishes messages and delivers subscriptions. fn passed to
// OnConnect runs after every (re)connection and must not block.
type Broker interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	OnConnect(fn func())
}

// Options configures a Bridge.
type Options struct {
	TopicPrefix    string
	PollInterval   time.Duration // current scene refresh period
	CommandTimeout time.Duration // per lamp operation
}

// Command is the JSON payload accepted on <prefix>/set. All fields are
// optional. "state": "OFF" switches the lamp off and ignores the rest.
type Command struct {
	State        string        `json:"state,omitempty"` // "ON" or "OFF"
	Scene        *int          `json:"scene,omitempty"`
	Color        *ColorCommand `json:"color,omitempty"`
	Kelvin       *int          `json:"kelvin,omitempty"`
	Brightness   *float64      `json:"brightness,omitempty"`
	TransitionMS int           `json:"transition_ms,omitempty"`
	Refresh      bool          `json:"refresh,omitempty"`
}

// ColorCommand sets the uplight color.
type ColorCommand struct {
	Hue          float64 `json:"hue"`
	Saturation   float64 `json:"saturation"`
	Brightness   float64 `json:"brightness"`
	TransitionMS int     `json:"transition_ms,omitempty"`
}

// StatePayload is published on <prefix>/state.
type StatePayload struct {
	State     string `json:"state"`
	SceneID   *uint8 `json:"scene_id,omitempty"`
	SceneName string `json:"scene_name,omitempty"`
}

// ScenesPayload is published retained on <prefix>/scenes.
type ScenesPayload struct {
	Scenes   []ScenePayload `json:"scenes"`
	Complete bool           `json:"complete"`
}

// ScenePayload is one entry of ScenesPayload.
type ScenePayload struct {
	ID   uint8  `json:"id"`
	Name string `json:"name"`
}

// errBadCommand marks payloads that cannot be applied to a lamp.
var errBadCommand = errors.New("bridge: bad command")

// commandQueueSize bounds commands waiting for the lamp.
const commandQueueSize = 8

// Bridge relays between a Broker and a lamp Controller.
type Bridge struct {
	lamp   Controller
	broker Broker
	opts   Options
	resync chan struct{}

	// power is the state set by the last command, cleared by the next poll.
	mu    sync.Mutex
	power *bool
}

// New creates a Bridge.
func New(ctrl Controller, broker Broker, opts Options) *Bridge {
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "luvoctl"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Bridge{
		lamp:   ctrl,
		broker: broker,
		opts:   opts,
		resync: make(chan struct{}, 1),
	}
}

// Resync asks Run to republish the known scenes and state, e.g. after the
// broker reconnected. It does not block.
func (b *Bridge) Resync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

func (b *Bridge) topic(name string) string {
	return b.opts.TopicPrefix + "/" + name
}

// Run subscribes to the command topic, publishes the initial scenes and
// state, then serves commands and polls the current scene until ctx ends.
// Scenes and state are published again whenever the broker connects.
func (b *Bridge) Run(ctx context.Context) error {
	b.broker.OnConnect(b.Resync)

	cmds := make(chan []byte, commandQueueSize)
	err := b.broker.Subscribe(b.topic("set"), func(_ string, payload []byte) {
		select {
		case cmds <- payload:
		default:
			slog.Warn("[MQTT] command queue full, dropping command", "payload", string(payload))
		}
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", b.topic("set"), err)
	}
	slog.Info("[MQTT] bridge running", "prefix", b.opts.TopicPrefix, "poll_interval", b.opts.PollInterval)

	b.refreshScenes(ctx)
	b.poll(ctx)

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[MQTT] bridge stopping")
			return nil
		case payload := <-cmds:
			if err := b.handle(ctx, payload); err != nil {
				slog.Error("[MQTT] command failed", "error", err, "payload", string(payload))
			}
			b.publishState()
		case <-ticker.C:
			b.poll(ctx)
		case <-b.resync:
			slog.Info("[MQTT] republishing scenes and state")
			b.publishScenes(b.lamp.Scenes(), b.lamp.ScenesComplete())
			b.publishState()
		}
	}
}

// ParseCommand decodes and validates a command payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", errBadCommand, err)
	}
	cmd.State = strings.ToUpper(cmd.State)
	switch cmd.State {
	case "", "ON", "OFF":
	default:
		return Command{}, fmt.Errorf("%w: state must be ON or OFF, got %q", errBadCommand, cmd.State)
	}
	if cmd.Scene != nil && (*cmd.Scene < 0 || *cmd.Scene > 255) {
		return Command{}, fmt.Errorf("%w: scene must be 0-255, got %d", errBadCommand, *cmd.Scene)
	}
	if cmd.Kelvin != nil && (*cmd.Kelvin < 0 || *cmd.Kelvin > 65535) {
		return Command{}, fmt.Errorf("%w: kelvin out of range, got %d", errBadCommand, *cmd.Kelvin)
	}
	if cmd.TransitionMS < 0 || (cmd.Color != nil && cmd.Color.TransitionMS < 0) {
		return Command{}, fmt.Errorf("%w: transition_ms must not be negative", errBadCommand)
	}
	return cmd, nil
}

// handle applies one command payload to the lamp.
func (b *Bridge) handle(ctx context.Context, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	slog.Debug("[MQTT] command received", "command", fmt.Sprintf("%+v", cmd))

	if cmd.State == "OFF" {
		if err := b.do(ctx, b.lamp.SwitchOff); err != nil {
			return err
		}
		b.setPower(false)
		return nil
	}

	if cmd.State == "ON" && cmd.Scene == nil {
		if err := b.do(ctx, b.lamp.SwitchOn); err != nil {
			return err
		}
		b.setPower(true)
	}

	if cmd.Scene != nil {
		id := uint8(*cmd.Scene)
		if err := b.do(ctx, func(ctx context.Context) error { return b.lamp.SelectScene(ctx, id) }); err != nil {
			return err
		}
		b.setPower(b.lamp.IsOn())
	}

	if cmd.Color != nil {
		c := protocol.Color{
			Hue:        cmd.Color.Hue,
			Saturation: cmd.Color.Saturation,
			Brightness: cmd.Color.Brightness,
			Transition: time.Duration(cmd.Color.TransitionMS) * time.Millisecond,
		}
		if err := b.do(ctx, func(ctx context.Context) error { return b.lamp.SetColor(ctx, c) }); err != nil {
			return err
		}
	}

	switch {
	case cmd.Kelvin != nil:
		kelvin := uint16(*cmd.Kelvin)
		bri := 100.0
		if cmd.Brightness != nil {
			bri = *cmd.Brightness
		}
		transition := time.Duration(cmd.TransitionMS) * time.Millisecond
		if err := b.do(ctx, func(ctx context.Context) error {
			return b.lamp.SetColorTemperature(ctx, kelvin, bri, transition)
		}); err != nil {
			return err
		}
	case cmd.Brightness != nil:
		bri := *cmd.Brightness
		if err := b.do(ctx, func(ctx context.Context) error { return b.lamp.SetBrightness(ctx, bri) }); err != nil {
			return err
		}
	}

	if cmd.Refresh {
		b.refreshScenes(ctx)
		b.poll(ctx)
	}
	return nil
}

// do runs op with the per-command timeout.
func (b *Bridge) do(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()
	return op(ctx)
}

// refreshScenes enumerates the lamp's scenes and publishes them, partial
// lists included.
func (b *Bridge) refreshScenes(ctx context.Context) {
	var list lamp.SceneList
	err := b.do(ctx, func(ctx context.Context) error {
		var err error
		list, err = b.lamp.RefreshScenes(ctx)
		return err
	})
	if err != nil {
		slog.Warn("[MQTT] scene refresh failed", "error", err, "received", len(list.Scenes))
		if ctx.Err() != nil {
			return
		}
	}

	b.publishScenes(list.Scenes, list.Complete)
}

func (b *Bridge) publishScenes(scenes []lamp.Scene, complete bool) {
	payload := ScenesPayload{Scenes: make([]ScenePayload, 0, len(scenes)), Complete: complete}
	for _, s := range scenes {
		payload.Scenes = append(payload.Scenes, ScenePayload{ID: s.ID, Name: s.Name})
	}
	b.publishJSON(b.topic("scenes"), true, payload)
}

// poll reads the current scene and publishes the state.
func (b *Bridge) poll(ctx context.Context) {
	err := b.do(ctx, func(ctx context.Context) error {
		_, err := b.lamp.RefreshCurrentScene(ctx)
		return err
	})
	if err != nil {
		slog.Warn("[MQTT] current scene refresh failed", "error", err)
		return
	}
	b.mu.Lock()
	b.power = nil
	b.mu.Unlock()
	b.publishState()
}

func (b *Bridge) setPower(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.power = &on
}

// State returns the state payload for the lamp's current snapshot. Power
// follows the last command until the next poll reads the active scene.
func (b *Bridge) State() StatePayload {
	b.mu.Lock()
	power := b.power
	b.mu.Unlock()

	on := b.lamp.IsOn()
	id, known := b.lamp.CurrentSceneID()
	switch {
	case power != nil:
		on = *power
	case known:
		// Scene 0 is the off selection.
		on = id != 0
	}

	st := StatePayload{State: "OFF"}
	if on {
		st.State = "ON"
	}
	if known {
		st.SceneID = &id
	}
	if name, ok := b.lamp.CurrentSceneName(); ok {
		st.SceneName = name
	}
	return st
}

func (b *Bridge) publishState() {
	b.publishJSON(b.topic("state"), true, b.State())
}

func (b *Bridge) publishJSON(topic string, retained bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("[MQTT] marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.broker.Publish(topic, retained, data); err != nil {
		slog.Error("[MQTT] publish failed", "topic", topic, "error", err)
		return
	}
	slog.Debug("[MQTT] published", "topic", topic, "payload", string(data))
}
