package domain

import "errors"

// Device configuration errors
var (
	ErrDeviceIDRequired      = errors.New("device_id is required")
	ErrInvalidDeviceID       = errors.New("device_id may only contain letters, digits, '-' and '_'")
	ErrDeviceTitleRequired   = errors.New("device_title is required")
	ErrDeviceAddressRequired = errors.New("urri_ip is required")
	ErrInvalidPort           = errors.New("urri_port must be in range 1-65535")
	ErrDuplicateDeviceID     = errors.New("device ID's must be unique")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// Transport errors
var (
	ErrNotConnected           = errors.New("mqtt client not connected")
	ErrConnectionFailed       = errors.New("mqtt connection failed")
	ErrPublishFailed          = errors.New("mqtt publish failed")
	ErrSubscribeFailed        = errors.New("mqtt subscribe failed")
	ErrBrokerConnectionLost   = errors.New("mqtt broker connection lost")
	ErrInvalidTopic           = errors.New("invalid topic")
	ErrControlAlreadyDeclared = errors.New("control already declared")
)

// Upstream errors
var (
	ErrUpstreamUnavailable = errors.New("receiver unavailable")
	ErrUpstreamRequest     = errors.New("receiver request failed")
	ErrUpstreamResponse    = errors.New("unexpected receiver response")
	ErrStreamClosed        = errors.New("event stream closed")
	ErrStreamHandshake     = errors.New("event stream handshake failed")
	ErrCommandRejected     = errors.New("command rejected")
	ErrInvalidPayload      = errors.New("invalid command payload")
)
