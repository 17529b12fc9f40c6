package service

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Upstream is the receiver command API.
type Upstream interface {
	GetPower(ctx context.Context) (bool, error)
	SetPower(ctx context.Context, on bool) error
	SetPlayback(ctx context.Context, play bool) error
	SetMute(ctx context.Context, mute bool) error
	SetAUX(ctx context.Context, aux bool) error
	SetVolume(ctx context.Context, volume int) error
	PlayRadio(ctx context.Context, id int) (bool, error)
	PlayPreset(ctx context.Context, n int) error
	AlertFiles(ctx context.Context) ([]string, error)
	NotifyAlert(ctx context.Context, index int) (bool, error)
	PlayUSB(ctx context.Context, path string) (bool, error)
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
}

// EventStream is the receiver's status push channel.
type EventStream interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, handler func(domain.StatusEvent)) error
	Close() error
}

// FacadeConfig holds configuration for a device facade.
type FacadeConfig struct {
	// ReconnectDelay is the fixed backoff between connection attempts
	ReconnectDelay time.Duration

	// CommandTimeout bounds each command, including multi-request ones
	CommandTimeout time.Duration
}

// DeviceStatus is a snapshot of one receiver connection.
type DeviceStatus struct {
	DeviceID       string    `json:"device_id"`
	Title          string    `json:"device_title"`
	Address        string    `json:"address"`
	State          string    `json:"state"`
	LastError      string    `json:"last_error,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	Reconnects     uint64    `json:"reconnects"`
	StatusEvents   uint64    `json:"status_events"`
}

// DeviceFacade owns the connection to one receiver. It keeps the event
// stream alive, maps status pushes onto the registry and executes commands.
type DeviceFacade struct {
	device   domain.Device
	config   FacadeConfig
	upstream Upstream
	stream   EventStream
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// registry is bound once by the orchestrator
	registry *ControlRegistry

	mu             sync.RWMutex
	state          domain.ConnectionState
	lastError      error
	connectedSince time.Time

	// statusMu serializes map + apply so publications keep arrival order
	statusMu sync.Mutex
	props    DerivedProperties

	reconnects   atomic.Uint64
	statusEvents atomic.Uint64
}

// NewDeviceFacade creates the facade of one receiver.
func NewDeviceFacade(
	device domain.Device,
	upstream Upstream,
	stream EventStream,
	config FacadeConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *DeviceFacade {
	// Apply defaults
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 3 * time.Second
	}

	return &DeviceFacade{
		device:   device,
		config:   config,
		upstream: upstream,
		stream:   stream,
		logger:   logger.With().Str("component", "device-facade").Str("device_id", device.ID).Logger(),
		metrics:  metricsReg,
		state:    domain.ConnectionDisconnected,
	}
}

func (f *DeviceFacade) bindRegistry(r *ControlRegistry) {
	f.registry = r
}

// Run keeps the receiver connection alive until ctx is cancelled.
func (f *DeviceFacade) Run(ctx context.Context) {
	defer f.setState(domain.ConnectionStopped, nil)

	for {
		if ctx.Err() != nil {
			return
		}

		f.setState(domain.ConnectionConnecting, nil)
		f.logger.Info().Str("address", f.device.Address()).Msg("Connecting to receiver")

		if err := f.stream.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if f.metrics != nil {
				f.metrics.IncConnectFailures(f.device.ID)
			}
			f.logger.Warn().Err(err).Dur("retry_in", f.config.ReconnectDelay).Msg("Receiver connection failed")
			f.disconnected(err)
			if !f.wait(ctx) {
				return
			}
			continue
		}

		f.connected()

		err := f.stream.Run(ctx, func(ev domain.StatusEvent) {
			f.HandleStatus(ctx, ev)
		})
		if ctx.Err() != nil {
			if cerr := f.stream.Close(); cerr != nil {
				f.logger.Debug().Err(cerr).Msg("Event stream close failed")
			}
			return
		}

		f.logger.Warn().Err(err).Dur("retry_in", f.config.ReconnectDelay).Msg("Receiver connection lost")
		f.disconnected(err)
		if !f.wait(ctx) {
			return
		}
	}
}

func (f *DeviceFacade) connected() {
	f.statusMu.Lock()
	f.props.Reset()
	f.statusMu.Unlock()

	if f.registry != nil {
		f.registry.SetErrorState(false)
	}

	f.mu.Lock()
	f.state = domain.ConnectionConnected
	f.lastError = nil
	f.connectedSince = time.Now()
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.SetUpstreamConnected(f.device.ID, true)
	}
	f.logger.Info().Msg("Receiver connected")
}

func (f *DeviceFacade) disconnected(err error) {
	f.reconnects.Add(1)
	f.setState(domain.ConnectionDisconnected, err)

	if f.registry != nil {
		f.registry.SetErrorState(true, domain.ControlIPAddress)
	}
	if f.metrics != nil {
		f.metrics.SetUpstreamConnected(f.device.ID, false)
	}
}

func (f *DeviceFacade) wait(ctx context.Context) bool {
	timer := time.NewTimer(f.config.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (f *DeviceFacade) setState(state domain.ConnectionState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = state
	if err != nil {
		f.lastError = err
	}
	if state != domain.ConnectionConnected {
		f.connectedSince = time.Time{}
	}
}

// State returns the current connection state.
func (f *DeviceFacade) State() domain.ConnectionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Status returns a snapshot for the status endpoint.
func (f *DeviceFacade) Status() DeviceStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()

	status := DeviceStatus{
		DeviceID:       f.device.ID,
		Title:          f.device.Title,
		Address:        f.device.Address(),
		State:          string(f.state),
		ConnectedSince: f.connectedSince,
		Reconnects:     f.reconnects.Load(),
		StatusEvents:   f.statusEvents.Load(),
	}
	if f.lastError != nil {
		status.LastError = f.lastError.Error()
	}
	return status
}

// HandleStatus maps one status push and applies it to the registry.
func (f *DeviceFacade) HandleStatus(ctx context.Context, ev domain.StatusEvent) {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()

	f.statusEvents.Add(1)
	if f.metrics != nil {
		f.metrics.IncStatusEvents(f.device.ID)
	}

	update := MapStatus(ctx, ev, &f.props, f.queryPower)
	if update.PowerErr != nil {
		f.logger.Warn().Err(update.PowerErr).Msg("Failed to query power state")
	}

	if f.registry == nil {
		return
	}
	for _, v := range update.Values {
		f.registry.SetValue(v.Control, v.Value, false)
	}
	for _, ro := range update.ReadOnly {
		f.registry.SetReadOnly(ro.Control, ro.ReadOnly)
	}
}

func (f *DeviceFacade) queryPower(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.CommandTimeout)
	defer cancel()
	return f.upstream.GetPower(ctx)
}

func (f *DeviceFacade) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.config.CommandTimeout)
}

// SetPower switches the receiver on or off and verifies the result.
func (f *DeviceFacade) SetPower(ctx context.Context, on bool) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()

	if err := f.upstream.SetPower(ctx, on); err != nil {
		return f.failed("power", err)
	}

	actual, err := f.upstream.GetPower(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to verify power state")
		return nil
	}
	if actual != on {
		f.logger.Warn().Bool("requested", on).Bool("actual", actual).Msg("Receiver did not follow power command")
	}
	if f.registry != nil {
		f.registry.SetValue(domain.ControlPower, formatBool(actual), false)
	}
	return nil
}

// SetPlayback starts or stops playback.
func (f *DeviceFacade) SetPlayback(ctx context.Context, play bool) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("playback", f.upstream.SetPlayback(ctx, play))
}

// SetMute mutes or unmutes the receiver.
func (f *DeviceFacade) SetMute(ctx context.Context, mute bool) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("mute", f.upstream.SetMute(ctx, mute))
}

// SetAUX switches the AUX input.
func (f *DeviceFacade) SetAUX(ctx context.Context, aux bool) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("aux", f.upstream.SetAUX(ctx, aux))
}

// SetVolume sets the volume. Values outside 0..100 are dropped.
func (f *DeviceFacade) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 100 {
		f.logger.Debug().Int("volume", volume).Msg("Ignoring out of range volume")
		return nil
	}
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("volume", f.upstream.SetVolume(ctx, volume))
}

// PlayRadio tunes to a radio station.
func (f *DeviceFacade) PlayRadio(ctx context.Context, id int) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()

	ok, err := f.upstream.PlayRadio(ctx, id)
	if err != nil {
		return f.failed("radio", err)
	}
	if !ok {
		f.logger.Warn().Int("radio_id", id).Msg("Receiver rejected radio station")
		return fmt.Errorf("%w: radio %d", domain.ErrCommandRejected, id)
	}
	return nil
}

// PlayPreset plays a stored preset.
func (f *DeviceFacade) PlayPreset(ctx context.Context, n int) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("preset", f.upstream.PlayPreset(ctx, n))
}

// Next skips forward.
func (f *DeviceFacade) Next(ctx context.Context) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("next", f.upstream.Next(ctx))
}

// Previous skips back.
func (f *DeviceFacade) Previous(ctx context.Context) error {
	ctx, cancel := f.commandContext(ctx)
	defer cancel()
	return f.failed("previous", f.upstream.Previous(ctx))
}

// PlayUSBFolder plays a folder of the USB drive. Paths that name a file or
// live outside the usb namespace are rejected without a request.
func (f *DeviceFacade) PlayUSBFolder(ctx context.Context, folder string) error {
	normalized, err := NormalizeUSBFolder(folder)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", folder).Msg("Invalid USB folder")
		return err
	}

	ctx, cancel := f.commandContext(ctx)
	defer cancel()

	ok, err := f.upstream.PlayUSB(ctx, normalized)
	if err != nil {
		return f.failed("usb", err)
	}
	if !ok {
		f.logger.Warn().Str("path", normalized).Msg("Receiver rejected USB folder")
		return fmt.Errorf("%w: usb folder %q", domain.ErrCommandRejected, normalized)
	}
	return nil
}

// PlayAlert plays the alert sound with the given file name.
func (f *DeviceFacade) PlayAlert(ctx context.Context, name string) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")

	ctx, cancel := f.commandContext(ctx)
	defer cancel()

	files, err := f.upstream.AlertFiles(ctx)
	if err != nil {
		return f.failed("alert list", err)
	}

	index := slices.Index(files, name)
	if index < 0 {
		f.logger.Warn().Str("alert", name).Strs("available", files).Msg("Alert file not found")
		return fmt.Errorf("%w: alert %q not found", domain.ErrCommandRejected, name)
	}

	ok, err := f.upstream.NotifyAlert(ctx, index)
	if err != nil {
		return f.failed("alert", err)
	}
	if !ok {
		return fmt.Errorf("%w: alert %q", domain.ErrCommandRejected, name)
	}
	return nil
}

func (f *DeviceFacade) failed(command string, err error) error {
	if err != nil {
		f.logger.Error().Err(err).Str("command", command).Msg("Receiver command failed")
	}
	return err
}

// NormalizeUSBFolder turns a user supplied folder into the path the receiver
// expects: no drive prefix, no leading or trailing slash, rooted at "usb".
func NormalizeUSBFolder(folder string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(folder), "\\", "/")

	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		p = p[2:]
	}
	p = strings.TrimPrefix(p, "/")
	markedFolder := strings.HasSuffix(p, "/")
	p = strings.TrimRight(p, "/")

	if p == "" {
		return "", fmt.Errorf("%w: empty usb folder", domain.ErrCommandRejected)
	}

	segments := strings.Split(p, "/")
	if segments[0] != "usb" {
		return "", fmt.Errorf("%w: %q is not on the usb drive", domain.ErrCommandRejected, folder)
	}
	// a trailing separator marks a folder even when its name has a dot
	if !markedFolder && path.Ext(segments[len(segments)-1]) != "" {
		return "", fmt.Errorf("%w: %q is a file, not a folder", domain.ErrCommandRejected, folder)
	}
	return p, nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
