package domain

import "strings"

// DriverName is published to /devices/<id>/meta/driver.
const DriverName = "wb-mqtt-urri"

const devicesRoot = "/devices"

// Topics builds the retained topic layout of one device.
type Topics struct {
	base string
}

// NewTopics returns the topic builder for a device id.
func NewTopics(deviceID string) Topics {
	return Topics{base: devicesRoot + "/" + deviceID}
}

// Base returns /devices/<id>.
func (t Topics) Base() string { return t.base }

// MetaName returns /devices/<id>/meta/name.
func (t Topics) MetaName() string { return t.base + "/meta/name" }

// MetaDriver returns /devices/<id>/meta/driver.
func (t Topics) MetaDriver() string { return t.base + "/meta/driver" }

// Control returns /devices/<id>/controls/<name>.
func (t Topics) Control(name string) string { return t.base + "/controls/" + name }

// ControlMeta returns /devices/<id>/controls/<name>/meta.
func (t Topics) ControlMeta(name string) string { return t.Control(name) + "/meta" }

// ControlError returns /devices/<id>/controls/<name>/meta/error.
func (t Topics) ControlError(name string) string { return t.Control(name) + "/meta/error" }

// ControlOn returns /devices/<id>/controls/<name>/on.
func (t Topics) ControlOn(name string) string { return t.Control(name) + "/on" }

// Wildcard returns /devices/<id>/#.
func (t Topics) Wildcard() string { return t.base + "/#" }

// Owns reports whether topic lies under this device.
func (t Topics) Owns(topic string) bool {
	return strings.HasPrefix(topic, t.base+"/")
}

// ControlFromOnTopic extracts the control name from a .../controls/<name>/on topic.
func (t Topics) ControlFromOnTopic(topic string) (string, bool) {
	prefix := t.base + "/controls/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/on") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/on")
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
