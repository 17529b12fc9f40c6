// Package service wires receivers to the bus: a control registry and a
// device facade per receiver, run and torn down by the orchestrator.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// UpstreamFactory builds the receiver clients of one device.
type UpstreamFactory func(device domain.Device) (Upstream, EventStream, error)

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	Facade FacadeConfig

	// ClearStaleTopics removes retained topics of a previous run at startup
	ClearStaleTopics bool

	// StaleScanTimeout bounds the retained topic scan per device
	StaleScanTimeout time.Duration

	// ShutdownTimeout bounds waiting for device loops to stop
	ShutdownTimeout time.Duration
}

type deviceUnit struct {
	device   domain.Device
	registry *ControlRegistry
	facade   *DeviceFacade
}

// Orchestrator runs all configured receivers until shutdown.
type Orchestrator struct {
	config    OrchestratorConfig
	devices   []domain.Device
	transport domain.Transport
	scanner   domain.RetainedScanner
	factory   UpstreamFactory
	base      zerolog.Logger
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu    sync.RWMutex
	units []*deviceUnit

	started  atomic.Bool
	lost     chan error
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for the given devices.
func NewOrchestrator(
	config OrchestratorConfig,
	devices []domain.Device,
	transport domain.Transport,
	factory UpstreamFactory,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Orchestrator {
	// Apply defaults
	if config.StaleScanTimeout <= 0 {
		config.StaleScanTimeout = 2 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	return &Orchestrator{
		config:    config,
		devices:   devices,
		transport: transport,
		factory:   factory,
		base:      logger,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		metrics:   metricsReg,
		lost:      make(chan error, 1),
	}
}

// SetRetainedScanner enables stale topic cleanup through scanner.
func (o *Orchestrator) SetRetainedScanner(scanner domain.RetainedScanner) {
	o.scanner = scanner
}

// HandleConnectionLost is the transport's connection-lost callback.
func (o *Orchestrator) HandleConnectionLost(err error) {
	o.lostOnce.Do(func() {
		o.logger.Error().Err(err).Msg("Broker connection lost")
		o.lost <- err
	})
}

// Run starts every device and blocks until ctx is cancelled or the broker
// connection is lost. It returns nil on a clean shutdown and
// ErrBrokerConnectionLost otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.start(loopCtx); err != nil {
		cancel()
		o.stop()
		return err
	}

	var result error
	select {
	case <-ctx.Done():
		o.logger.Info().Msg("Shutdown requested")
	case err := <-o.lost:
		result = fmt.Errorf("%w: %v", domain.ErrBrokerConnectionLost, err)
	}

	cancel()
	o.stop()

	if o.transport.IsConnected() {
		o.teardown()
	} else {
		o.logger.Warn().Msg("Broker not connected, skipping device teardown")
	}

	o.started.Store(false)
	return result
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.logger.Info().Int("devices", len(o.devices)).Msg("Starting receivers")

	for _, device := range o.devices {
		unit, err := o.setupDevice(ctx, device)
		if err != nil {
			return fmt.Errorf("device %s: %w", device.ID, err)
		}

		o.mu.Lock()
		o.units = append(o.units, unit)
		o.mu.Unlock()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			unit.facade.Run(ctx)
		}()
	}

	o.started.Store(true)
	return nil
}

func (o *Orchestrator) setupDevice(ctx context.Context, device domain.Device) (*deviceUnit, error) {
	upstream, stream, err := o.factory(device)
	if err != nil {
		return nil, err
	}

	// in-flight commands outlive shutdown, bounded by the command timeout
	registry := NewControlRegistry(context.WithoutCancel(ctx), device, o.transport, o.base, o.metrics)
	facade := NewDeviceFacade(device, upstream, stream, o.config.Facade, o.base, o.metrics)
	registry.bindCommands(facade)
	facade.bindRegistry(registry)

	if o.config.ClearStaleTopics && o.scanner != nil {
		scanCtx, cancel := context.WithTimeout(ctx, o.config.StaleScanTimeout)
		err := registry.ClearStale(scanCtx, o.scanner)
		cancel()
		if err != nil {
			o.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Failed to clear stale topics")
		}
	}

	registry.PublishDevice()
	for _, c := range DeviceControls(device) {
		if err := registry.Declare(c.Name, c.Meta, c.Initial, c.Handler); err != nil {
			return nil, err
		}
	}

	o.logger.Info().
		Str("device_id", device.ID).
		Str("device_title", device.Title).
		Str("address", device.Address()).
		Msg("Registered receiver")

	return &deviceUnit{device: device, registry: registry, facade: facade}, nil
}

// stop waits for device loops and in-flight commands to finish.
func (o *Orchestrator) stop() {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		for _, u := range o.snapshot() {
			u.registry.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info().Msg("All receivers stopped")
	case <-time.After(o.config.ShutdownTimeout):
		o.logger.Warn().Msg("Timeout waiting for receivers to stop")
	}
}

// teardown removes every device's published state from the bus.
func (o *Orchestrator) teardown() {
	var g errgroup.Group
	for _, u := range o.snapshot() {
		u := u
		g.Go(func() error {
			u.registry.RemoveDevice()
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) snapshot() []*deviceUnit {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*deviceUnit(nil), o.units...)
}

// Statuses returns the connection status of every receiver.
func (o *Orchestrator) Statuses() []DeviceStatus {
	units := o.snapshot()
	statuses := make([]DeviceStatus, 0, len(units))
	for _, u := range units {
		statuses = append(statuses, u.facade.Status())
	}
	return statuses
}

// StatusHandler serves the receiver statuses as JSON.
func (o *Orchestrator) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"devices": o.Statuses(),
		}); err != nil {
			o.logger.Debug().Err(err).Msg("Failed to write status response")
		}
	}
}

// HealthCheck reports whether the orchestrator is running on a live broker.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if !o.started.Load() {
		return fmt.Errorf("receivers not started")
	}
	if !o.transport.IsConnected() {
		return domain.ErrNotConnected
	}
	return nil
}
