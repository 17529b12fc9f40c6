package service

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade(t *testing.T, stream *fakeStream) (*DeviceFacade, *fakeUpstream, *ControlRegistry, *fakeTransport) {
	t.Helper()
	if stream == nil {
		stream = newFakeStream()
	}
	upstream := newFakeUpstream()
	registry, transport := newTestRegistry(t)
	facade := NewDeviceFacade(testDevice, upstream, stream,
		FacadeConfig{ReconnectDelay: 10 * time.Millisecond}, zerolog.Nop(), nil)
	registry.bindCommands(facade)
	facade.bindRegistry(registry)

	registry.PublishDevice()
	for _, c := range DeviceControls(testDevice) {
		require.NoError(t, registry.Declare(c.Name, c.Meta, c.Initial, c.Handler))
	}
	return facade, upstream, registry, transport
}

func TestFacadeSetVolumeRange(t *testing.T) {
	facade, upstream, _, _ := newTestFacade(t, nil)
	ctx := context.Background()

	assert.NoError(t, facade.SetVolume(ctx, 150))
	assert.NoError(t, facade.SetVolume(ctx, -1))
	assert.Empty(t, upstream.Calls())

	assert.NoError(t, facade.SetVolume(ctx, 50))
	assert.Equal(t, []string{"setVolume/50"}, upstream.Calls())

	assert.NoError(t, facade.SetVolume(ctx, 0))
	assert.NoError(t, facade.SetVolume(ctx, 100))
	assert.Len(t, upstream.Calls(), 3)
}

func TestNormalizeUSBFolder(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "usb/Music/", want: "usb/Music"},
		{in: "usb/Music", want: "usb/Music"},
		{in: "/usb/Music/", want: "usb/Music"},
		{in: "C:/usb/Music/", want: "usb/Music"},
		{in: `C:\usb\Rock\`, want: "usb/Rock"},
		{in: "usb", want: "usb"},
		{in: "usb/Best.Of/", want: "usb/Best.Of"},
		{in: `C:\usb\Best.Of\`, want: "usb/Best.Of"},
		{in: "usb/Best.Of", wantErr: true},
		{in: "usb/Music/song.mp3", wantErr: true},
		{in: "other/Music/", wantErr: true},
		{in: "usbstick/Music/", wantErr: true},
		{in: "", wantErr: true},
		{in: "/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeUSBFolder(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrCommandRejected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFacadePlayUSBFolder(t *testing.T) {
	facade, upstream, _, _ := newTestFacade(t, nil)
	ctx := context.Background()

	assert.NoError(t, facade.PlayUSBFolder(ctx, "usb/Music/"))
	assert.Equal(t, []string{"usb/play:usb/Music"}, upstream.Calls())

	assert.ErrorIs(t, facade.PlayUSBFolder(ctx, "usb/Music/song.mp3"), domain.ErrCommandRejected)
	assert.ErrorIs(t, facade.PlayUSBFolder(ctx, "other/Music/"), domain.ErrCommandRejected)
	assert.Len(t, upstream.Calls(), 1)

	upstream.success = false
	assert.ErrorIs(t, facade.PlayUSBFolder(ctx, "usb/Missing/"), domain.ErrCommandRejected)
	assert.Len(t, upstream.Calls(), 2)
}

func TestFacadePlayAlert(t *testing.T) {
	facade, upstream, _, _ := newTestFacade(t, nil)
	ctx := context.Background()

	require.NoError(t, facade.PlayAlert(ctx, "/fire.mp3"))
	assert.Equal(t, []string{"alert/getSongs", "alert/notify/1"}, upstream.Calls())

	err := facade.PlayAlert(ctx, "flood.mp3")
	assert.ErrorIs(t, err, domain.ErrCommandRejected)
	assert.Equal(t, []string{"alert/getSongs", "alert/notify/1", "alert/getSongs"}, upstream.Calls())
}

func TestFacadePlayRadioRejected(t *testing.T) {
	facade, upstream, _, _ := newTestFacade(t, nil)
	upstream.success = false

	err := facade.PlayRadio(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrCommandRejected)
	assert.Equal(t, []string{"radio/99"}, upstream.Calls())
}

func TestFacadeCommandErrorPropagates(t *testing.T) {
	facade, upstream, _, _ := newTestFacade(t, nil)
	upstream.err = domain.ErrUpstreamUnavailable

	assert.ErrorIs(t, facade.Next(context.Background()), domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, facade.SetMute(context.Background(), true), domain.ErrUpstreamUnavailable)
	assert.Equal(t, []string{"next", "mute"}, upstream.Calls())
}

func TestFacadeSetPowerVerifies(t *testing.T) {
	facade, upstream, registry, _ := newTestFacade(t, nil)
	upstream.power = true

	require.NoError(t, facade.SetPower(context.Background(), true))
	assert.Equal(t, []string{"wakeUp", "getPower"}, upstream.Calls())
	v, _ := registry.Value(domain.ControlPower)
	assert.Equal(t, "1", v)

	// receiver ignored standby: the published value follows the receiver
	require.NoError(t, facade.SetPower(context.Background(), false))
	v, _ = registry.Value(domain.ControlPower)
	assert.Equal(t, "1", v)
}

func TestFacadeHandleStatusAppliesUpdates(t *testing.T) {
	facade, upstream, registry, transport := newTestFacade(t, nil)
	upstream.power = true

	ev, err := domain.ParseStatusEvent([]byte(`{"volume":40,"playback":"play","source":{"sourceType":6,"name":"Mix","nextButton":true}}`))
	require.NoError(t, err)
	facade.HandleStatus(context.Background(), ev)

	v, _ := registry.Value(domain.ControlVolume)
	assert.Equal(t, "40", v)
	v, _ = registry.Value(domain.ControlSourceName)
	assert.Equal(t, "Mix", v)
	v, _ = registry.Value(domain.ControlPower)
	assert.Equal(t, "1", v)

	meta, _ := registry.Meta(domain.ControlPrevious)
	assert.True(t, meta.ReadOnly)
	meta, _ = registry.Meta(domain.ControlNext)
	assert.False(t, meta.ReadOnly)

	// an event without volume leaves the published volume alone
	quiet, err := domain.ParseStatusEvent([]byte(`{"muted":true}`))
	require.NoError(t, err)
	facade.HandleStatus(context.Background(), quiet)
	assert.Equal(t, []string{"0", "40"}, transport.publications("/devices/urri/controls/Volume"))

	assert.Equal(t, uint64(2), facade.Status().StatusEvents)
}

func TestFacadeRunRaisesErrorStateUntilConnected(t *testing.T) {
	stream := newFakeStream(errStreamDown, errStreamDown)
	facade, _, registry, _ := newTestFacade(t, stream)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		facade.Run(ctx)
		close(done)
	}()

	select {
	case <-stream.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("facade never connected")
	}
	require.Eventually(t, func() bool {
		return facade.State() == domain.ConnectionConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, stream.Connects())
	assert.Equal(t, domain.ErrorMarkerNone, registry.Error(domain.ControlPower))
	assert.Equal(t, uint64(2), facade.Status().Reconnects)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, domain.ConnectionStopped, facade.State())
}

func TestFacadeRunMarksErrorsWhenConnectionDrops(t *testing.T) {
	// first connection drops, every retry fails
	script := []error{nil}
	for i := 0; i < 500; i++ {
		script = append(script, errStreamDown)
	}
	stream := newFakeStream(script...)
	facade, _, registry, transport := newTestFacade(t, stream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go facade.Run(ctx)

	<-stream.connected
	close(stream.events)

	require.Eventually(t, func() bool {
		return registry.Error(domain.ControlVolume) == domain.ErrorMarkerRead
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.ErrorMarkerNone, registry.Error(domain.ControlIPAddress))
	ip, _ := transport.retainedValue("/devices/urri/controls/IP address")
	assert.Equal(t, "10.0.0.5", ip)
	assert.NotEmpty(t, facade.Status().LastError)
}

func TestFacadeConnectResetsDerivedProperties(t *testing.T) {
	stream := newFakeStream()
	facade, _, _, _ := newTestFacade(t, stream)

	ev, err := domain.ParseStatusEvent([]byte(`{"volume":40}`))
	require.NoError(t, err)
	facade.HandleStatus(context.Background(), ev)
	require.NotNil(t, facade.props.Volume)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go facade.Run(ctx)
	<-stream.connected

	require.Eventually(t, func() bool {
		facade.statusMu.Lock()
		defer facade.statusMu.Unlock()
		return facade.props.Volume == nil
	}, time.Second, 5*time.Millisecond)
}
