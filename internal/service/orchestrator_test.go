package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevices = []domain.Device{
	{ID: "urri_kitchen", Title: "Kitchen", IP: "10.0.0.5", Port: 9032},
	{ID: "urri_hall", Title: "Hall", IP: "10.0.0.6", Port: 9032},
}

type fakeFactory struct {
	mu        sync.Mutex
	upstreams map[string]*fakeUpstream
	streams   map[string]*fakeStream
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		upstreams: make(map[string]*fakeUpstream),
		streams:   make(map[string]*fakeStream),
	}
}

func (f *fakeFactory) build(device domain.Device) (Upstream, EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, s := newFakeUpstream(), newFakeStream()
	f.upstreams[device.ID] = u
	f.streams[device.ID] = s
	return u, s, nil
}

func newTestOrchestrator(transport *fakeTransport, factory UpstreamFactory, config OrchestratorConfig) *Orchestrator {
	config.Facade.ReconnectDelay = 10 * time.Millisecond
	return NewOrchestrator(config, testDevices, transport, factory, zerolog.Nop(), nil)
}

func runOrchestrator(t *testing.T, o *Orchestrator, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	require.Eventually(t, func() bool {
		return o.HealthCheck(context.Background()) == nil
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("orchestrator did not stop")
		return nil
	}
}

func TestOrchestratorCleanShutdownRemovesDevices(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	name, ok := transport.retainedValue("/devices/urri_hall/meta/name")
	require.True(t, ok)
	assert.Equal(t, "Hall", name)
	ip, _ := transport.retainedValue("/devices/urri_kitchen/controls/IP address")
	assert.Equal(t, "10.0.0.5", ip)
	assert.True(t, transport.subscribed("/devices/urri_kitchen/controls/Volume/on"))

	cancel()
	require.NoError(t, waitResult(t, done))

	assert.Zero(t, transport.retainedCount())
	for _, st := range o.Statuses() {
		assert.Equal(t, string(domain.ConnectionStopped), st.State)
	}
}

func TestOrchestratorBrokerLossSkipsTeardown(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{})

	done := runOrchestrator(t, o, context.Background())
	before := transport.retainedCount()

	transport.setConnected(false)
	o.HandleConnectionLost(errors.New("EOF"))
	o.HandleConnectionLost(errors.New("second report"))

	err := waitResult(t, done)
	assert.ErrorIs(t, err, domain.ErrBrokerConnectionLost)
	assert.Equal(t, before, transport.retainedCount())
}

func TestOrchestratorCommandsReachDevice(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	require.True(t, transport.deliver("/devices/urri_hall/controls/Volume/on", "35", false))
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		u := factory.upstreams["urri_hall"]
		factory.mu.Unlock()
		calls := u.Calls()
		return len(calls) == 1 && calls[0] == "setVolume/35"
	}, time.Second, 5*time.Millisecond)

	factory.mu.Lock()
	assert.Empty(t, factory.upstreams["urri_kitchen"].Calls())
	factory.mu.Unlock()

	cancel()
	require.NoError(t, waitResult(t, done))
}

func TestOrchestratorStatusEventsPublish(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	factory.mu.Lock()
	stream := factory.streams["urri_kitchen"]
	factory.mu.Unlock()

	volume := 25
	stream.events <- domain.StatusEvent{Volume: &volume}

	require.Eventually(t, func() bool {
		v, _ := transport.retainedValue("/devices/urri_kitchen/controls/Volume")
		return v == "25"
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitResult(t, done))
}

type slowMuteUpstream struct {
	*fakeUpstream
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (u *slowMuteUpstream) SetMute(ctx context.Context, mute bool) error {
	u.started <- struct{}{}
	select {
	case <-u.release:
	case <-ctx.Done():
	}
	u.ctxErr <- ctx.Err()
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.fakeUpstream.SetMute(ctx, mute)
}

func TestOrchestratorShutdownLetsCommandsFinish(t *testing.T) {
	transport := newFakeTransport()
	slow := &slowMuteUpstream{
		fakeUpstream: newFakeUpstream(),
		started:      make(chan struct{}, 1),
		release:      make(chan struct{}),
		ctxErr:       make(chan error, 1),
	}
	factory := func(domain.Device) (Upstream, EventStream, error) {
		return slow, newFakeStream(), nil
	}
	o := NewOrchestrator(OrchestratorConfig{Facade: FacadeConfig{ReconnectDelay: 10 * time.Millisecond}},
		testDevices[:1], transport, factory, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	require.True(t, transport.deliver("/devices/urri_kitchen/controls/Mute/on", "1", false))
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("command did not reach the receiver")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(slow.release)

	require.NoError(t, waitResult(t, done))
	assert.NoError(t, <-slow.ctxErr)
	assert.Equal(t, []string{"mute"}, slow.Calls())
}

func TestOrchestratorClearsStaleTopics(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{ClearStaleTopics: true})
	o.SetRetainedScanner(fakeScanner{topics: []string{"/devices/urri_kitchen/controls/Legacy"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	assert.Equal(t, []string{""}, transport.publications("/devices/urri_kitchen/controls/Legacy"))

	cancel()
	require.NoError(t, waitResult(t, done))
}

func TestOrchestratorFactoryError(t *testing.T) {
	transport := newFakeTransport()
	failing := func(domain.Device) (Upstream, EventStream, error) {
		return nil, nil, errors.New("bad address")
	}
	o := newTestOrchestrator(transport, failing, OrchestratorConfig{})

	err := o.Run(context.Background())
	assert.Error(t, err)
	assert.Error(t, o.HealthCheck(context.Background()))
}

func TestOrchestratorStatusHandler(t *testing.T) {
	transport := newFakeTransport()
	factory := newFakeFactory()
	o := newTestOrchestrator(transport, factory.build, OrchestratorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runOrchestrator(t, o, ctx)

	rec := httptest.NewRecorder()
	o.StatusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Devices []DeviceStatus `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Devices, 2)
	assert.Equal(t, "urri_kitchen", body.Devices[0].DeviceID)
	assert.Equal(t, "10.0.0.6:9032", body.Devices[1].Address)

	cancel()
	require.NoError(t, waitResult(t, done))
}
