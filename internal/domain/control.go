package domain

import (
	json "github.com/goccy/go-json"
)

// ControlType is the Wiren Board control type published in the control meta.
type ControlType string

const (
	ControlSwitch     ControlType = "switch"
	ControlRange      ControlType = "range"
	ControlPushbutton ControlType = "pushbutton"
	ControlText       ControlType = "text"
	ControlValue      ControlType = "value"
)

// Error annotation markers published on <control>/meta/error.
const (
	ErrorMarkerNone  = ""
	ErrorMarkerRead  = "r"
	ErrorMarkerWrite = "w"
)

// Control names exposed for every receiver.
const (
	ControlPower      = "Power"
	ControlVolume     = "Volume"
	ControlPlayback   = "Playback"
	ControlMute       = "Mute"
	ControlAUX        = "AUX"
	ControlNext       = "Next"
	ControlPrevious   = "Previous"
	ControlSourceType = "Source Type"
	ControlRadioID    = "Radio ID"
	ControlPresetID   = "Preset ID"
	ControlSourceName = "Source Name"
	ControlSongTitle  = "Song Title"
	ControlIPAddress  = "IP address"
	ControlPlayFolder = "Play Folder"
	ControlPlayAlert  = "Play Alert"
)

// ControlMeta describes a control. Only Title and ReadOnly change after
// declaration, and only through the registry.
type ControlMeta struct {
	Title    string
	Type     ControlType
	Order    int
	ReadOnly bool
	Min      *int
	Max      *int
}

type controlMetaWire struct {
	Type     ControlType       `json:"type"`
	ReadOnly bool              `json:"readonly"`
	Title    map[string]string `json:"title,omitempty"`
	Order    int               `json:"order,omitempty"`
	Min      *int              `json:"min,omitempty"`
	Max      *int              `json:"max,omitempty"`
}

// MarshalJSON encodes the meta in the Wiren Board wire layout:
// {"type":..,"readonly":..,"title":{"en":..},"order":..,"min":..,"max":..}
func (m ControlMeta) MarshalJSON() ([]byte, error) {
	w := controlMetaWire{
		Type:     m.Type,
		ReadOnly: m.ReadOnly,
		Order:    m.Order,
		Min:      m.Min,
		Max:      m.Max,
	}
	if m.Title != "" {
		w.Title = map[string]string{"en": m.Title}
	}
	return json.Marshal(w)
}

// ControlState is the registry's record of one declared control.
type ControlState struct {
	Meta ControlMeta

	// LastValue is nil until the first successful publish
	LastValue *string

	// LastError is the published error annotation
	LastError string
}

// IntPtr returns a pointer to v, for optional meta bounds.
func IntPtr(v int) *int {
	return &v
}
