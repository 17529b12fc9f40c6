// Package urri provides the URRI receiver API client: HTTP command requests
// guarded by a circuit breaker, and the socket.io status event stream.
package urri

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/nexus-edge/urri-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Client issues command requests to a single receiver.
type Client struct {
	config   ClientConfig
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   zerolog.Logger
	metrics  *metrics.Registry
	stats    *ClientStats
	deviceID string
}

// ClientConfig holds configuration for a receiver client.
type ClientConfig struct {
	// BaseURL is http://host:port of the receiver
	BaseURL string

	// Timeout bounds every request
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens the breaker
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing again
	BreakerTimeout time.Duration
}

// ClientStats tracks client request counters.
type ClientStats struct {
	RequestCount atomic.Uint64
	ErrorCount   atomic.Uint64
	RejectCount  atomic.Uint64
}

type successResponse struct {
	Success bool `json:"success"`
}

// NewClient creates a new receiver client with the given configuration.
func NewClient(deviceID string, config ClientConfig, logger zerolog.Logger, metricsReg *metrics.Registry) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("receiver base url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 5 * time.Second
	}

	c := &Client{
		config:   config,
		http:     &http.Client{},
		logger:   logger.With().Str("component", "urri-client").Str("device_id", deviceID).Logger(),
		metrics:  metricsReg,
		stats:    &ClientStats{},
		deviceID: deviceID,
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "urri-" + deviceID,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about the receiver
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: c.onBreakerStateChange,
	})

	return c, nil
}

// GetPower queries the current power state.
func (c *Client) GetPower(ctx context.Context) (bool, error) {
	body, err := c.post(ctx, "/getPower", "/getPower", nil)
	if err != nil {
		return false, err
	}
	return bytes.Contains(body, []byte("1")), nil
}

// SetPower wakes the receiver up or puts it into standby.
func (c *Client) SetPower(ctx context.Context, on bool) error {
	return c.toggle(ctx, on, "/wakeUp", "/standby")
}

// SetPlayback starts or stops playback.
func (c *Client) SetPlayback(ctx context.Context, play bool) error {
	return c.toggle(ctx, play, "/play", "/stop")
}

// SetMute mutes or unmutes the output.
func (c *Client) SetMute(ctx context.Context, mute bool) error {
	return c.toggle(ctx, mute, "/mute", "/unmute")
}

// SetAUX enables or disables the AUX input.
func (c *Client) SetAUX(ctx context.Context, aux bool) error {
	return c.toggle(ctx, aux, "/enableAUX", "/disableAUX")
}

// SetVolume sets the output volume. Range checking is the caller's job.
func (c *Client) SetVolume(ctx context.Context, volume int) error {
	_, err := c.post(ctx, "/setVolume/"+strconv.Itoa(volume), "/setVolume", nil)
	return err
}

// PlayRadio tunes to a radio station by id. The bool reports whether the
// receiver knew the station.
func (c *Client) PlayRadio(ctx context.Context, id int) (bool, error) {
	return c.postSuccess(ctx, "/radio", map[string]int{"id": id})
}

// PlayPreset plays preset n.
func (c *Client) PlayPreset(ctx context.Context, n int) error {
	body, err := c.post(ctx, "/preset/"+strconv.Itoa(n)+"/play", "/preset/play", nil)
	if err != nil {
		return err
	}
	c.logger.Debug().RawJSON("response", jsonOrQuoted(body)).Msg("Play preset response")
	return nil
}

// AlertFiles lists the alert sounds stored on the receiver, in index order.
func (c *Client) AlertFiles(ctx context.Context) ([]string, error) {
	body, err := c.post(ctx, "/alert/getSongs", "/alert/getSongs", nil)
	if err != nil {
		return nil, err
	}
	var files []string
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("%w: alert list: %v", domain.ErrUpstreamResponse, err)
	}
	return files, nil
}

// NotifyAlert plays the alert file at index.
func (c *Client) NotifyAlert(ctx context.Context, index int) (bool, error) {
	return c.postSuccess(ctx, "/alert/notify", map[string]int{"fileIndex": index})
}

// PlayUSB plays a folder from the USB drive.
func (c *Client) PlayUSB(ctx context.Context, path string) (bool, error) {
	return c.postSuccess(ctx, "/sources/usb/play", map[string]string{"path": path})
}

// Next skips to the next track.
func (c *Client) Next(ctx context.Context) error {
	_, err := c.post(ctx, "/next", "/next", nil)
	return err
}

// Previous returns to the previous track.
func (c *Client) Previous(ctx context.Context) error {
	_, err := c.post(ctx, "/previous", "/previous", nil)
	return err
}

// Stats returns the client statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"requests": c.stats.RequestCount.Load(),
		"errors":   c.stats.ErrorCount.Load(),
		"rejected": c.stats.RejectCount.Load(),
		"breaker":  c.breaker.State().String(),
	}
}

func (c *Client) toggle(ctx context.Context, on bool, onPath, offPath string) error {
	path := offPath
	if on {
		path = onPath
	}
	_, err := c.post(ctx, path, path, nil)
	return err
}

func (c *Client) postSuccess(ctx context.Context, path string, payload interface{}) (bool, error) {
	body, err := c.post(ctx, path, path, payload)
	if err != nil {
		return false, err
	}
	var resp successResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamResponse, path, err)
	}
	c.logger.Debug().Str("endpoint", path).Bool("success", resp.Success).Msg("Receiver response")
	if !resp.Success {
		c.stats.RejectCount.Add(1)
	}
	return resp.Success, nil
}

// post performs one bounded POST request through the circuit breaker.
func (c *Client) post(ctx context.Context, path, endpoint string, payload interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		if reqBody, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	c.stats.RequestCount.Add(1)
	startTime := time.Now()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, path, reqBody)
	})

	if c.metrics != nil {
		c.metrics.ObserveRequestDuration(c.deviceID, endpoint, time.Since(startTime).Seconds())
	}

	if err != nil {
		c.stats.ErrorCount.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, reqBody []byte) ([]byte, error) {
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(c.config.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamRequest, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrUpstreamRequest, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUpstreamRequest, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s: status %d", domain.ErrUpstreamResponse, path, resp.StatusCode)
	}
	return body, nil
}

func (c *Client) onBreakerStateChange(name string, from, to gobreaker.State) {
	c.logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Receiver circuit breaker state changed")
	if c.metrics != nil {
		c.metrics.SetBreakerState(c.deviceID, int(to))
	}
}

func jsonOrQuoted(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
