package domain

import (
	"math"
	"strings"

	json "github.com/goccy/go-json"
)

// SourceType is the receiver's enumeration of the current audio source.
type SourceType int

const (
	SourceInternetRadio     SourceType = 0
	SourceFileSystem        SourceType = 1
	SourcePreset            SourceType = 2
	SourceMultiroomSlave    SourceType = 3
	SourceAirplay           SourceType = 4
	SourceUserInternetRadio SourceType = 5
	SourceSpotify           SourceType = 6
)

// SourceTypeAUX is the Source Type shown while the AUX input is active.
const SourceTypeAUX = "AUX"

// String returns the display name published to the Source Type control.
func (s SourceType) String() string {
	switch s {
	case SourceInternetRadio:
		return "Internet Radio"
	case SourceFileSystem:
		return "File System"
	case SourcePreset:
		return "Preset"
	case SourceMultiroomSlave:
		return "Multiroom Slave"
	case SourceAirplay:
		return "Airplay"
	case SourceUserInternetRadio:
		return "User Internet Radio"
	case SourceSpotify:
		return "Spotify"
	default:
		return "Unknown"
	}
}

// StatusEvent is one "status" push from the receiver. Every field is
// optional; a nil field means the receiver reported no change for it.
type StatusEvent struct {
	Playback  *string     `json:"playback,omitempty"`
	AUX       *bool       `json:"AUX,omitempty"`
	Muted     *bool       `json:"muted,omitempty"`
	Volume    *int        `json:"volume,omitempty"`
	Source    *SourceInfo `json:"source,omitempty"`
	SongTitle *string     `json:"songTitle,omitempty"`
}

// SourceInfo is the source block of a status event.
type SourceInfo struct {
	SourceType *int    `json:"sourceType,omitempty"`
	Name       *string `json:"name,omitempty"`
	Path       *string `json:"path,omitempty"`
	ID         *int    `json:"id,omitempty"`
	Index      *int    `json:"index,omitempty"`
	NextButton *bool   `json:"nextButton,omitempty"`
	PrevButton *bool   `json:"prevButton,omitempty"`
}

// ParseStatusEvent decodes a status payload. JSON null is treated as absent.
// Fields are decoded one by one: a badly typed field is dropped and the rest
// of the event is kept. Booleans also accept "true"/"false" strings in any
// case, integers accept finite numbers with a fraction (truncated). Only a
// payload that is not a JSON object is an error.
func ParseStatusEvent(data []byte) (StatusEvent, error) {
	var raw rawStatus
	if err := json.Unmarshal(data, &raw); err != nil {
		return StatusEvent{}, err
	}

	ev := StatusEvent{
		Playback:  decodeString(raw.Playback),
		AUX:       decodeBool(raw.AUX),
		Muted:     decodeBool(raw.Muted),
		Volume:    decodeInt(raw.Volume),
		SongTitle: decodeString(raw.SongTitle),
	}

	var src rawSource
	if len(raw.Source) > 0 && json.Unmarshal(raw.Source, &src) == nil && !isNull(raw.Source) {
		ev.Source = &SourceInfo{
			SourceType: decodeInt(src.SourceType),
			Name:       decodeString(src.Name),
			Path:       decodeString(src.Path),
			ID:         decodeInt(src.ID),
			Index:      decodeInt(src.Index),
			NextButton: decodeBool(src.NextButton),
			PrevButton: decodeBool(src.PrevButton),
		}
	}
	return ev, nil
}

type rawStatus struct {
	Playback  json.RawMessage `json:"playback"`
	AUX       json.RawMessage `json:"AUX"`
	Muted     json.RawMessage `json:"muted"`
	Volume    json.RawMessage `json:"volume"`
	Source    json.RawMessage `json:"source"`
	SongTitle json.RawMessage `json:"songTitle"`
}

type rawSource struct {
	SourceType json.RawMessage `json:"sourceType"`
	Name       json.RawMessage `json:"name"`
	Path       json.RawMessage `json:"path"`
	ID         json.RawMessage `json:"id"`
	Index      json.RawMessage `json:"index"`
	NextButton json.RawMessage `json:"nextButton"`
	PrevButton json.RawMessage `json:"prevButton"`
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeString(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func decodeBool(raw json.RawMessage) *bool {
	if isNull(raw) {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		b = true
	case "false":
		b = false
	default:
		return nil
	}
	return &b
}

func decodeInt(raw json.RawMessage) *int {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}
