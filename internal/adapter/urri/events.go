package urri

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Engine.IO v4 packet types
const (
	packetOpen    = '0'
	packetClose   = '1'
	packetPing    = '2'
	packetPong    = '3'
	packetMessage = '4'
	packetNoop    = '6'
)

// Socket.IO packet types carried inside Engine.IO messages
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

const statusEventName = "status"

// StreamConfig holds configuration for the receiver event stream.
type StreamConfig struct {
	// BaseURL is http://host:port of the receiver
	BaseURL string

	// Path is the socket.io endpoint path
	Path string

	// HandshakeTimeout bounds the websocket dial and socket.io connect
	HandshakeTimeout time.Duration
}

// StatusHandler receives decoded status events.
type StatusHandler = func(event domain.StatusEvent)

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// EventStream is a minimal socket.io client (Engine.IO v4, websocket
// transport only) that delivers the receiver's "status" pushes.
type EventStream struct {
	config   StreamConfig
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	deviceID string

	mu           sync.Mutex
	conn         *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration
	writeMu      sync.Mutex
}

// NewEventStream creates an event stream for one receiver. It does not connect.
func NewEventStream(deviceID string, config StreamConfig, logger zerolog.Logger) (*EventStream, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("receiver base url is required")
	}
	if config.Path == "" {
		config.Path = "/socket.io/"
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 5 * time.Second
	}

	return &EventStream{
		config:   config,
		dialer:   &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:   logger.With().Str("component", "urri-events").Str("device_id", deviceID).Logger(),
		deviceID: deviceID,
	}, nil
}

// URL returns the websocket URL of the socket.io endpoint.
func (s *EventStream) URL() (string, error) {
	u, err := url.Parse(s.config.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = s.config.Path
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// Connect dials the receiver and completes the Engine.IO and socket.io
// handshakes for the default namespace.
func (s *EventStream) Connect(ctx context.Context) error {
	target, err := s.URL()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStreamHandshake, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)

	open, err := readPacket(conn)
	if err != nil || len(open) == 0 || open[0] != packetOpen {
		conn.Close()
		return fmt.Errorf("%w: expected open packet", domain.ErrStreamHandshake)
	}
	var op openPayload
	if err := json.Unmarshal(open[1:], &op); err != nil {
		conn.Close()
		return fmt.Errorf("%w: open payload: %v", domain.ErrStreamHandshake, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte{packetMessage, sioConnect}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", domain.ErrStreamHandshake, err)
	}

	for {
		pkt, err := readPacket(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("%w: %v", domain.ErrStreamHandshake, err)
		}
		if len(pkt) >= 2 && pkt[0] == packetMessage && pkt[1] == sioConnect {
			break
		}
		if len(pkt) >= 2 && pkt[0] == packetMessage && pkt[1] == sioConnectError {
			conn.Close()
			return fmt.Errorf("%w: namespace refused: %s", domain.ErrStreamHandshake, pkt[2:])
		}
		if len(pkt) == 1 && pkt[0] == packetPing {
			s.write(conn, []byte{packetPong})
		}
	}

	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.pingInterval = time.Duration(op.PingInterval) * time.Millisecond
	s.pingTimeout = time.Duration(op.PingTimeout) * time.Millisecond
	s.mu.Unlock()

	s.logger.Info().Str("sid", op.SID).Msg("Connected to receiver event stream")
	return nil
}

// Run reads packets until the connection drops or ctx is cancelled, calling
// handler for every status event in arrival order. It returns nil on
// cancellation and ErrStreamClosed when the receiver went away.
func (s *EventStream) Run(ctx context.Context, handler StatusHandler) error {
	s.mu.Lock()
	conn := s.conn
	idle := s.pingInterval + s.pingTimeout
	s.mu.Unlock()

	if conn == nil {
		return domain.ErrStreamClosed
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		if idle > 0 {
			conn.SetReadDeadline(time.Now().Add(idle))
		}
		pkt, err := readPacket(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.dropConn(conn)
			return fmt.Errorf("%w: %v", domain.ErrStreamClosed, err)
		}
		if len(pkt) == 0 {
			continue
		}

		switch pkt[0] {
		case packetPing:
			s.write(conn, []byte{packetPong})
		case packetClose:
			s.dropConn(conn)
			return domain.ErrStreamClosed
		case packetNoop:
		case packetMessage:
			if len(pkt) < 2 {
				continue
			}
			switch pkt[1] {
			case sioDisconnect:
				s.dropConn(conn)
				return domain.ErrStreamClosed
			case sioEvent:
				s.dispatch(pkt[2:], handler)
			}
		}
	}
}

// Close leaves the namespace and closes the websocket.
func (s *EventStream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.write(conn, []byte{packetMessage, sioDisconnect})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (s *EventStream) dispatch(data []byte, handler StatusHandler) {
	name, arg, err := decodeEvent(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to decode socket.io event")
		return
	}
	if name != statusEventName {
		s.logger.Debug().Str("event", name).Msg("Ignoring receiver event")
		return
	}

	s.logger.Debug().RawJSON("status", arg).Msg("Receiver status message received")

	event, err := domain.ParseStatusEvent(arg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse status event")
		return
	}
	handler(event)
}

func (s *EventStream) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *EventStream) write(conn *websocket.Conn, data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug().Err(err).Msg("Event stream write failed")
	}
}

func readPacket(conn *websocket.Conn) ([]byte, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// decodeEvent parses the body of a socket.io EVENT packet:
// [/namespace,][ackId]["name",arg,...]
func decodeEvent(data []byte) (string, json.RawMessage, error) {
	if len(data) > 0 && data[0] == '/' {
		comma := bytes.IndexByte(data, ',')
		if comma < 0 {
			return "", nil, fmt.Errorf("malformed namespace prefix")
		}
		data = data[comma+1:]
	}
	start := bytes.IndexByte(data, '[')
	if start < 0 {
		return "", nil, fmt.Errorf("missing event array")
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data[start:], &parts); err != nil {
		return "", nil, err
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty event array")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", err)
	}
	if len(parts) < 2 {
		return strings.TrimSpace(name), json.RawMessage("{}"), nil
	}
	return strings.TrimSpace(name), parts[1], nil
}
