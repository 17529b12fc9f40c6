package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// CommandFunc executes an inbound control command against the device.
// A returned error marks the control as write-rejected.
type CommandFunc func(ctx context.Context, cmd Commander, payload string) error

// ControlRegistry owns the controls of one device and publishes their
// metadata and values to the bus. Values are only published when they
// change.
type ControlRegistry struct {
	device    domain.Device
	topics    domain.Topics
	transport domain.Transport
	logger    zerolog.Logger
	metrics   *metrics.Registry

	// commands is the device facade, bound once by the orchestrator
	commands Commander

	mu       sync.Mutex
	controls map[string]*domain.ControlState
	handlers map[string]CommandFunc

	ctx context.Context
	wg  sync.WaitGroup
}

// NewControlRegistry creates the registry of one device. Nothing is published
// until PublishDevice / Declare are called.
func NewControlRegistry(
	ctx context.Context,
	device domain.Device,
	transport domain.Transport,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *ControlRegistry {
	return &ControlRegistry{
		device:    device,
		topics:    domain.NewTopics(device.ID),
		transport: transport,
		logger:    logger.With().Str("component", "control-registry").Str("device_id", device.ID).Logger(),
		metrics:   metricsReg,
		controls:  make(map[string]*domain.ControlState),
		handlers:  make(map[string]CommandFunc),
		ctx:       ctx,
	}
}

// bindCommands sets the command target. Called once during wiring.
func (r *ControlRegistry) bindCommands(cmd Commander) {
	r.commands = cmd
}

// PublishDevice publishes the device name and driver meta.
func (r *ControlRegistry) PublishDevice() {
	r.publish(r.topics.MetaName(), r.device.Title, "meta")
	r.publish(r.topics.MetaDriver(), domain.DriverName, "meta")
}

// Declare registers a control, publishes its meta once and its initial
// value, and subscribes its command topic when handler is non-nil.
// Declaring a name twice is a logged no-op.
func (r *ControlRegistry) Declare(name string, meta domain.ControlMeta, initial string, handler CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.controls[name]; exists {
		r.logger.Warn().Str("control", name).Msg("Control already declared")
		return domain.ErrControlAlreadyDeclared
	}

	state := &domain.ControlState{Meta: meta}
	r.controls[name] = state
	r.publishMeta(name, state.Meta)
	r.setValueLocked(name, state, initial, false)

	if handler == nil {
		return nil
	}

	r.handlers[name] = handler
	if err := r.transport.Subscribe(r.topics.ControlOn(name), r.Dispatch); err != nil {
		r.logger.Error().Err(err).Str("control", name).Msg("Failed to subscribe control command topic")
		return err
	}
	return nil
}

// SetValue publishes value when it differs from the last published value
// or when force is set.
func (r *ControlRegistry) SetValue(name, value string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok {
		r.logger.Debug().Str("control", name).Msg("Can't set value of undeclared control")
		return
	}
	r.setValueLocked(name, state, value, force)
}

func (r *ControlRegistry) setValueLocked(name string, state *domain.ControlState, value string, force bool) {
	if !force && state.LastValue != nil && *state.LastValue == value {
		if r.metrics != nil {
			r.metrics.IncPublishesSkipped()
		}
		return
	}
	if r.publish(r.topics.Control(name), value, "value") {
		v := value
		state.LastValue = &v
		r.logger.Debug().Str("control", name).Str("value", value).Msg("Control updated")
	}
}

// Value returns the last published value of a control.
func (r *ControlRegistry) Value(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok || state.LastValue == nil {
		return "", false
	}
	return *state.LastValue, true
}

// SetReadOnly republishes the control meta when the read-only flag changes.
func (r *ControlRegistry) SetReadOnly(name string, readOnly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok {
		r.logger.Debug().Str("control", name).Msg("Can't set readonly property of undeclared control")
		return
	}
	if state.Meta.ReadOnly == readOnly {
		return
	}
	state.Meta.ReadOnly = readOnly
	r.publishMeta(name, state.Meta)
}

// SetTitle republishes the control meta when the title changes.
func (r *ControlRegistry) SetTitle(name, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok {
		r.logger.Debug().Str("control", name).Msg("Can't set title of undeclared control")
		return
	}
	if state.Meta.Title == title {
		return
	}
	state.Meta.Title = title
	r.publishMeta(name, state.Meta)
}

// Meta returns a copy of a control's current meta.
func (r *ControlRegistry) Meta(name string) (domain.ControlMeta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok {
		return domain.ControlMeta{}, false
	}
	return state.Meta, true
}

// SetError publishes the error annotation of a control ("r", "w" or "" to
// clear) when it changes. The control value is left alone.
func (r *ControlRegistry) SetError(name, marker string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.controls[name]
	if !ok {
		r.logger.Debug().Str("control", name).Msg("Can't set error of undeclared control")
		return
	}
	r.setErrorLocked(name, state, marker)
}

func (r *ControlRegistry) setErrorLocked(name string, state *domain.ControlState, marker string) {
	if state.LastError == marker {
		return
	}
	if r.publish(r.topics.ControlError(name), marker, "error") {
		state.LastError = marker
	}
}

// Error returns the current error annotation of a control.
func (r *ControlRegistry) Error(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.controls[name]; ok {
		return state.LastError
	}
	return ""
}

// SetErrorState marks every control except the listed ones as read-errored,
// or clears the marker again.
func (r *ControlRegistry) SetErrorState(errored bool, except ...string) {
	marker := domain.ErrorMarkerNone
	if errored {
		marker = domain.ErrorMarkerRead
	}

	skip := make(map[string]bool, len(except))
	for _, name := range except {
		skip[name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.namesLocked() {
		if skip[name] {
			continue
		}
		r.setErrorLocked(name, r.controls[name], marker)
	}
}

// Controls returns the declared control names in display order.
func (r *ControlRegistry) Controls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *ControlRegistry) namesLocked() []string {
	names := make([]string, 0, len(r.controls))
	for name := range r.controls {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := r.controls[names[i]].Meta.Order, r.controls[names[j]].Meta.Order
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})
	return names
}

// RemoveDevice clears every retained topic of the device and forgets all
// controls, so bus consumers do not observe stale state.
func (r *ControlRegistry) RemoveDevice() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(r.topics.MetaDriver(), "", "clear")
	r.publish(r.topics.MetaName(), "", "clear")

	for _, name := range r.namesLocked() {
		state := r.controls[name]
		if _, ok := r.handlers[name]; ok {
			if err := r.transport.Unsubscribe(r.topics.ControlOn(name)); err != nil {
				r.logger.Debug().Err(err).Str("control", name).Msg("Failed to unsubscribe control")
			}
		}
		r.publish(r.topics.Control(name), "", "clear")
		r.publish(r.topics.ControlMeta(name), "", "clear")
		if state.LastError != "" {
			r.publish(r.topics.ControlError(name), "", "clear")
		}
	}

	r.controls = make(map[string]*domain.ControlState)
	r.handlers = make(map[string]CommandFunc)

	r.logger.Info().Str("topic", r.topics.Base()).Msg("Device removed")
}

// ClearStale removes retained topics under the device prefix left behind by
// a previous run. Must be called before any control is declared.
func (r *ControlRegistry) ClearStale(ctx context.Context, scanner domain.RetainedScanner) error {
	topics, err := scanner.RetainedTopics(ctx, r.topics.Wildcard())
	if err != nil {
		return err
	}
	for _, topic := range topics {
		r.logger.Debug().Str("topic", topic).Msg("Clear old topic")
		r.publish(topic, "", "clear")
	}
	return nil
}

// Dispatch routes an inbound command message to its handler. Retained
// messages are ignored so a reconnect never replays commands.
func (r *ControlRegistry) Dispatch(msg domain.Message) {
	name, ok := r.topics.ControlFromOnTopic(msg.Topic)
	if !ok {
		r.logger.Warn().Str("topic", msg.Topic).Msg("Invalid command topic")
		return
	}
	if msg.Retained {
		r.logger.Debug().Str("control", name).Msg("Ignoring retained command")
		return
	}

	r.mu.Lock()
	handler, ok := r.handlers[name]
	cmd := r.commands
	r.mu.Unlock()

	if !ok || cmd == nil {
		r.logger.Debug().Str("control", name).Msg("No handler for control")
		return
	}

	if r.metrics != nil {
		r.metrics.IncCommandsReceived(r.device.ID, name)
	}

	payload := string(msg.Payload)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(name, handler, cmd, payload)
	}()
}

func (r *ControlRegistry) execute(name string, handler CommandFunc, cmd Commander, payload string) {
	err := handler(r.ctx, cmd, payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncCommandsFailed(r.device.ID, name)
		}
		r.logger.Warn().Err(err).Str("control", name).Str("payload", payload).Msg("Command failed")
		r.SetError(name, domain.ErrorMarkerWrite)
		return
	}
	r.SetError(name, domain.ErrorMarkerNone)
}

// Wait blocks until in-flight commands have finished.
func (r *ControlRegistry) Wait() {
	r.wg.Wait()
}

func (r *ControlRegistry) publishMeta(name string, meta domain.ControlMeta) {
	data, err := json.Marshal(meta)
	if err != nil {
		r.logger.Error().Err(err).Str("control", name).Msg("Failed to marshal control meta")
		return
	}
	r.publish(r.topics.ControlMeta(name), string(data), "meta")
}

func (r *ControlRegistry) publish(topic, payload, kind string) bool {
	if payload == "" {
		r.logger.Debug().Str("topic", topic).Msg("Clear")
	} else {
		r.logger.Debug().Str("topic", topic).Str("payload", payload).Msg("Publish")
	}

	if err := r.transport.Publish(topic, payload, true); err != nil {
		r.logger.Error().Err(err).Str("topic", topic).Msg("Publish failed")
		return false
	}
	if r.metrics != nil {
		r.metrics.IncPublishes(kind)
	}
	return true
}

// String implements fmt.Stringer for log context.
func (r *ControlRegistry) String() string {
	return fmt.Sprintf("registry(%s)", r.device.ID)
}
