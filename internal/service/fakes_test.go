package service

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/nexus-edge/urri-gateway/internal/domain"
)

type publication struct {
	Topic   string
	Payload string
}

// fakeTransport records retained publications in order.
type fakeTransport struct {
	mu        sync.Mutex
	published []publication
	retained  map[string]string
	subs      map[string]domain.MessageHandler
	connected bool
	failNext  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		retained:  make(map[string]string),
		subs:      make(map[string]domain.MessageHandler),
		connected: true,
	}
}

func (t *fakeTransport) Publish(topic, payload string, retain bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failNext > 0 {
		t.failNext--
		return domain.ErrPublishFailed
	}
	if !t.connected {
		return domain.ErrNotConnected
	}
	t.published = append(t.published, publication{Topic: topic, Payload: payload})
	if payload == "" {
		delete(t.retained, topic)
	} else {
		t.retained[topic] = payload
	}
	return nil
}

func (t *fakeTransport) Subscribe(topic string, handler domain.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[topic] = handler
	return nil
}

func (t *fakeTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, topic)
	return nil
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *fakeTransport) deliver(topic, payload string, retained bool) bool {
	t.mu.Lock()
	handler, ok := t.subs[topic]
	t.mu.Unlock()
	if !ok {
		return false
	}
	handler(domain.Message{Topic: topic, Payload: []byte(payload), Retained: retained})
	return true
}

func (t *fakeTransport) publications(topic string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, p := range t.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func (t *fakeTransport) retainedValue(topic string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.retained[topic]
	return v, ok
}

func (t *fakeTransport) retainedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retained)
}

func (t *fakeTransport) subscribed(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[topic]
	return ok
}

// fakeScanner returns a fixed list of retained topics.
type fakeScanner struct {
	topics []string
}

func (s fakeScanner) RetainedTopics(ctx context.Context, filter string) ([]string, error) {
	return s.topics, nil
}

// fakeUpstream records command calls.
type fakeUpstream struct {
	mu       sync.Mutex
	calls    []string
	power    bool
	powerErr error
	alerts   []string
	success  bool
	err      error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{success: true, alerts: []string{"door.mp3", "fire.mp3"}}
}

func (u *fakeUpstream) record(call string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, call)
	return u.err
}

func (u *fakeUpstream) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *fakeUpstream) GetPower(ctx context.Context) (bool, error) {
	if err := u.record("getPower"); err != nil {
		return false, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.power, u.powerErr
}

func (u *fakeUpstream) SetPower(ctx context.Context, on bool) error {
	if on {
		return u.record("wakeUp")
	}
	return u.record("standby")
}

func (u *fakeUpstream) SetPlayback(ctx context.Context, play bool) error {
	if play {
		return u.record("play")
	}
	return u.record("stop")
}

func (u *fakeUpstream) SetMute(ctx context.Context, mute bool) error {
	if mute {
		return u.record("mute")
	}
	return u.record("unmute")
}

func (u *fakeUpstream) SetAUX(ctx context.Context, aux bool) error {
	if aux {
		return u.record("enableAUX")
	}
	return u.record("disableAUX")
}

func (u *fakeUpstream) SetVolume(ctx context.Context, volume int) error {
	return u.record("setVolume/" + strconv.Itoa(volume))
}

func (u *fakeUpstream) PlayRadio(ctx context.Context, id int) (bool, error) {
	if err := u.record("radio/" + strconv.Itoa(id)); err != nil {
		return false, err
	}
	return u.success, nil
}

func (u *fakeUpstream) PlayPreset(ctx context.Context, n int) error {
	return u.record("preset/" + strconv.Itoa(n))
}

func (u *fakeUpstream) AlertFiles(ctx context.Context) ([]string, error) {
	if err := u.record("alert/getSongs"); err != nil {
		return nil, err
	}
	return u.alerts, nil
}

func (u *fakeUpstream) NotifyAlert(ctx context.Context, index int) (bool, error) {
	if err := u.record("alert/notify/" + strconv.Itoa(index)); err != nil {
		return false, err
	}
	return u.success, nil
}

func (u *fakeUpstream) PlayUSB(ctx context.Context, path string) (bool, error) {
	if err := u.record("usb/play:" + path); err != nil {
		return false, err
	}
	return u.success, nil
}

func (u *fakeUpstream) Next(ctx context.Context) error {
	return u.record("next")
}

func (u *fakeUpstream) Previous(ctx context.Context) error {
	return u.record("previous")
}

var errStreamDown = errors.New("stream down")

// fakeStream hands out scripted connect results and delivers events pushed
// through its channel until the channel is closed or ctx is cancelled.
type fakeStream struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	events      chan domain.StatusEvent
	connected   chan struct{}
	closed      int
}

func newFakeStream(connectErrs ...error) *fakeStream {
	return &fakeStream{
		connectErrs: connectErrs,
		events:      make(chan domain.StatusEvent, 16),
		connected:   make(chan struct{}, 16),
	}
}

func (s *fakeStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	select {
	case s.connected <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeStream) Run(ctx context.Context, handler func(domain.StatusEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return errStreamDown
			}
			handler(ev)
		}
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}
