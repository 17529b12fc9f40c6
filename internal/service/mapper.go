package service

import (
	"context"
	"strconv"

	"github.com/nexus-edge/urri-gateway/internal/domain"
)

const defaultSongTitle = "No Title"

// PowerQuery asks the receiver for its current power state. Status pushes
// never carry power, so it is queried on every event.
type PowerQuery func(ctx context.Context) (bool, error)

// DerivedProperties accumulates the last known logical value of each
// property for the lifetime of one receiver connection.
type DerivedProperties struct {
	Power      *bool
	Playback   *bool
	AUX        *bool
	Mute       *bool
	Volume     *int
	SourceType *string
	SourceName *string
	RadioID    *int
	PresetID   *int
	SongTitle  *string

	// navigation lock derived from the last mapped source block
	NextReadOnly     *bool
	PreviousReadOnly *bool
}

// Reset forgets everything, used after a reconnect.
func (p *DerivedProperties) Reset() {
	*p = DerivedProperties{}
}

// ValueUpdate is a control value to publish.
type ValueUpdate struct {
	Control string
	Value   string
}

// ReadOnlyUpdate is a read-only flag to apply to a control meta.
type ReadOnlyUpdate struct {
	Control  string
	ReadOnly bool
}

// StatusUpdate is the result of mapping one status event. Both lists are
// keyed by control, at most one entry per control, in emission order.
type StatusUpdate struct {
	Values   []ValueUpdate
	ReadOnly []ReadOnlyUpdate

	// PowerErr is set when the power query failed and Power was skipped
	PowerErr error
}

func (u *StatusUpdate) setValue(control, value string) {
	for i := range u.Values {
		if u.Values[i].Control == control {
			u.Values[i].Value = value
			return
		}
	}
	u.Values = append(u.Values, ValueUpdate{Control: control, Value: value})
}

func (u *StatusUpdate) setReadOnly(control string, readOnly bool) {
	for i := range u.ReadOnly {
		if u.ReadOnly[i].Control == control {
			u.ReadOnly[i].ReadOnly = readOnly
			return
		}
	}
	u.ReadOnly = append(u.ReadOnly, ReadOnlyUpdate{Control: control, ReadOnly: readOnly})
}

// Value returns the mapped value of a control, if any.
func (u StatusUpdate) Value(control string) (string, bool) {
	for _, v := range u.Values {
		if v.Control == control {
			return v.Value, true
		}
	}
	return "", false
}

// IsReadOnly returns the mapped read-only flag of a control, if any.
func (u StatusUpdate) IsReadOnly(control string) (readOnly, ok bool) {
	for _, r := range u.ReadOnly {
		if r.Control == control {
			return r.ReadOnly, true
		}
	}
	return false, false
}

// MapStatus translates a status event into control updates and folds it into
// props. Absent fields produce no update, except for Song Title and for the
// values forced while the AUX input is active.
func MapStatus(ctx context.Context, ev domain.StatusEvent, props *DerivedProperties, power PowerQuery) StatusUpdate {
	var u StatusUpdate

	if power != nil {
		on, err := power(ctx)
		if err != nil {
			u.PowerErr = err
		} else {
			props.Power = &on
			u.setValue(domain.ControlPower, formatBool(on))
		}
	}

	if ev.Playback != nil {
		playing := *ev.Playback == "play"
		props.Playback = &playing
		u.setValue(domain.ControlPlayback, formatBool(playing))
	}

	if ev.AUX != nil {
		aux := *ev.AUX
		props.AUX = &aux
		u.setValue(domain.ControlAUX, formatBool(aux))
		if !aux {
			u.setReadOnly(domain.ControlRadioID, false)
			u.setReadOnly(domain.ControlNext, boolOr(props.NextReadOnly, false))
			u.setReadOnly(domain.ControlPrevious, boolOr(props.PreviousReadOnly, false))
		}
	}

	if ev.Muted != nil {
		muted := *ev.Muted
		props.Mute = &muted
		u.setValue(domain.ControlMute, formatBool(muted))
	}

	if ev.Volume != nil {
		volume := *ev.Volume
		props.Volume = &volume
		u.setValue(domain.ControlVolume, strconv.Itoa(volume))
	}

	if ev.Source != nil && ev.Source.SourceType != nil {
		mapSource(&u, *ev.Source, props)
	}

	title := defaultSongTitle
	if ev.SongTitle != nil {
		title = *ev.SongTitle
	}
	props.SongTitle = &title
	u.setValue(domain.ControlSongTitle, title)

	if ev.AUX != nil && *ev.AUX {
		applyAUXOverride(&u, props)
	}

	return u
}

func mapSource(u *StatusUpdate, src domain.SourceInfo, props *DerivedProperties) {
	st := domain.SourceType(*src.SourceType)

	typeName := st.String()
	props.SourceType = &typeName
	u.setValue(domain.ControlSourceType, typeName)

	switch st {
	case domain.SourceInternetRadio, domain.SourcePreset, domain.SourceUserInternetRadio, domain.SourceSpotify:
		if src.Name != nil {
			setSourceName(u, props, *src.Name)
		}
	case domain.SourceFileSystem:
		if src.Path != nil {
			setSourceName(u, props, *src.Path)
		}
	default:
		setSourceName(u, props, "")
	}

	switch st {
	case domain.SourceInternetRadio, domain.SourceUserInternetRadio:
		setRadioID(u, props, src.ID)
	case domain.SourcePreset:
		setRadioID(u, props, src.ID)
		if src.Index != nil {
			idx := *src.Index
			props.PresetID = &idx
			u.setValue(domain.ControlPresetID, strconv.Itoa(idx))
		}
	}

	var nextLocked, prevLocked bool
	switch st {
	case domain.SourceFileSystem, domain.SourcePreset:
	case domain.SourceSpotify:
		nextLocked = !boolOr(src.NextButton, false)
		prevLocked = !boolOr(src.PrevButton, false)
	default:
		nextLocked, prevLocked = true, true
	}
	props.NextReadOnly = &nextLocked
	props.PreviousReadOnly = &prevLocked
	u.setReadOnly(domain.ControlNext, nextLocked)
	u.setReadOnly(domain.ControlPrevious, prevLocked)

	u.setReadOnly(domain.ControlRadioID, false)
}

func setSourceName(u *StatusUpdate, props *DerivedProperties, name string) {
	props.SourceName = &name
	u.setValue(domain.ControlSourceName, name)
}

func setRadioID(u *StatusUpdate, props *DerivedProperties, id *int) {
	if id == nil {
		return
	}
	v := *id
	props.RadioID = &v
	u.setValue(domain.ControlRadioID, strconv.Itoa(v))
}

// applyAUXOverride wins over anything derived from the source block.
func applyAUXOverride(u *StatusUpdate, props *DerivedProperties) {
	aux := domain.SourceTypeAUX
	empty := ""
	props.SourceType = &aux
	props.SourceName = &aux
	props.SongTitle = &empty

	u.setValue(domain.ControlSourceType, aux)
	u.setValue(domain.ControlSourceName, aux)
	u.setValue(domain.ControlSongTitle, "")

	u.setReadOnly(domain.ControlNext, true)
	u.setReadOnly(domain.ControlPrevious, true)
	u.setReadOnly(domain.ControlRadioID, true)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
