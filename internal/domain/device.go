// Package domain contains the core entities shared by the bridge: receivers,
// controls, status events and the transport contract.
// These are transport-agnostic and represent the core concepts of the system.
package domain

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// ConnectionState represents the state of a receiver's upstream connection.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionStopped      ConnectionState = "stopped"
)

// DefaultReceiverPort is the HTTP/socket.io port URRI receivers listen on.
const DefaultReceiverPort = 9032

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Device represents one configured URRI receiver.
type Device struct {
	// ID is the MQTT device name, unique across the configuration
	ID string `json:"device_id" yaml:"device_id" mapstructure:"device_id"`

	// Title is the human-readable name published to meta/name
	Title string `json:"device_title" yaml:"device_title" mapstructure:"device_title"`

	// IP is the receiver's IP address or hostname
	IP string `json:"urri_ip" yaml:"urri_ip" mapstructure:"urri_ip"`

	// Port is the receiver's API port
	Port int `json:"urri_port" yaml:"urri_port" mapstructure:"urri_port"`
}

// Validate performs validation on the device configuration.
func (d *Device) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if !deviceIDPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, d.ID)
	}
	if d.Title == "" {
		return ErrDeviceTitleRequired
	}
	if d.IP == "" {
		return ErrDeviceAddressRequired
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, d.Port)
	}
	return nil
}

// Address returns the host:port of the receiver.
func (d *Device) Address() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// BaseURL returns the HTTP base URL of the receiver API.
func (d *Device) BaseURL() string {
	return "http://" + d.Address()
}
