package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nexus-edge/urri-gateway/internal/domain"
)

// Commander is the set of receiver commands reachable from the bus.
type Commander interface {
	SetPower(ctx context.Context, on bool) error
	SetPlayback(ctx context.Context, play bool) error
	SetMute(ctx context.Context, mute bool) error
	SetAUX(ctx context.Context, aux bool) error
	SetVolume(ctx context.Context, volume int) error
	PlayRadio(ctx context.Context, id int) error
	PlayPreset(ctx context.Context, n int) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	PlayUSBFolder(ctx context.Context, folder string) error
	PlayAlert(ctx context.Context, name string) error
}

// ControlSpec declares one control of a receiver device.
type ControlSpec struct {
	Name    string
	Meta    domain.ControlMeta
	Initial string
	Handler CommandFunc
}

// DeviceControls returns the controls of a receiver in display order.
func DeviceControls(device domain.Device) []ControlSpec {
	return []ControlSpec{
		{
			Name:    domain.ControlPower,
			Meta:    domain.ControlMeta{Title: "Power", Type: domain.ControlSwitch, Order: 1},
			Initial: "0",
			Handler: switchCommand(Commander.SetPower),
		},
		{
			Name:    domain.ControlVolume,
			Meta:    domain.ControlMeta{Title: "Volume", Type: domain.ControlRange, Order: 2, Max: domain.IntPtr(100)},
			Initial: "0",
			Handler: intCommand(Commander.SetVolume),
		},
		{
			Name:    domain.ControlPlayback,
			Meta:    domain.ControlMeta{Title: "Playback", Type: domain.ControlSwitch, Order: 3},
			Initial: "0",
			Handler: switchCommand(Commander.SetPlayback),
		},
		{
			Name:    domain.ControlMute,
			Meta:    domain.ControlMeta{Title: "Mute", Type: domain.ControlSwitch, Order: 4},
			Initial: "0",
			Handler: switchCommand(Commander.SetMute),
		},
		{
			Name:    domain.ControlAUX,
			Meta:    domain.ControlMeta{Title: "AUX", Type: domain.ControlSwitch, Order: 5},
			Initial: "0",
			Handler: switchCommand(Commander.SetAUX),
		},
		{
			Name:    domain.ControlNext,
			Meta:    domain.ControlMeta{Title: "Next", Type: domain.ControlPushbutton, Order: 6},
			Handler: buttonCommand(Commander.Next),
		},
		{
			Name:    domain.ControlPrevious,
			Meta:    domain.ControlMeta{Title: "Previous", Type: domain.ControlPushbutton, Order: 7},
			Handler: buttonCommand(Commander.Previous),
		},
		{
			Name: domain.ControlSourceType,
			Meta: domain.ControlMeta{Title: "Source Type", Type: domain.ControlText, Order: 8, ReadOnly: true},
		},
		{
			Name:    domain.ControlRadioID,
			Meta:    domain.ControlMeta{Title: "Radio ID", Type: domain.ControlValue, Order: 9},
			Initial: "0",
			Handler: intCommand(Commander.PlayRadio),
		},
		{
			Name: domain.ControlPresetID,
			Meta: domain.ControlMeta{
				Title: "Preset ID",
				Type:  domain.ControlValue,
				Order: 10,
				Min:   domain.IntPtr(0),
				Max:   domain.IntPtr(3),
			},
			Initial: "0",
			Handler: intCommand(Commander.PlayPreset),
		},
		{
			Name: domain.ControlSourceName,
			Meta: domain.ControlMeta{Title: "Source Name", Type: domain.ControlText, Order: 11, ReadOnly: true},
		},
		{
			Name: domain.ControlSongTitle,
			Meta: domain.ControlMeta{Title: "Song Title", Type: domain.ControlText, Order: 12, ReadOnly: true},
		},
		{
			Name:    domain.ControlIPAddress,
			Meta:    domain.ControlMeta{Title: "IP address", Type: domain.ControlText, Order: 13, ReadOnly: true},
			Initial: device.IP,
		},
		{
			Name:    domain.ControlPlayFolder,
			Meta:    domain.ControlMeta{Title: "Play Folder", Type: domain.ControlText, Order: 14},
			Handler: textCommand(Commander.PlayUSBFolder),
		},
		{
			Name:    domain.ControlPlayAlert,
			Meta:    domain.ControlMeta{Title: "Play Alert", Type: domain.ControlText, Order: 15},
			Handler: textCommand(Commander.PlayAlert),
		},
	}
}

// parseSwitch follows the bus convention: any payload containing "1" is on.
func parseSwitch(payload string) bool {
	return strings.Contains(payload, "1")
}

func parseInt(payload string) (int, error) {
	s := strings.TrimSpace(payload)
	// range widgets may send fractional values
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidPayload, payload)
	}
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q is out of range", domain.ErrInvalidPayload, payload)
	}
	return int(f), nil
}

func switchCommand(fn func(Commander, context.Context, bool) error) CommandFunc {
	return func(ctx context.Context, cmd Commander, payload string) error {
		return fn(cmd, ctx, parseSwitch(payload))
	}
}

func intCommand(fn func(Commander, context.Context, int) error) CommandFunc {
	return func(ctx context.Context, cmd Commander, payload string) error {
		v, err := parseInt(payload)
		if err != nil {
			return err
		}
		return fn(cmd, ctx, v)
	}
}

func textCommand(fn func(Commander, context.Context, string) error) CommandFunc {
	return func(ctx context.Context, cmd Commander, payload string) error {
		return fn(cmd, ctx, payload)
	}
}

func buttonCommand(fn func(Commander, context.Context) error) CommandFunc {
	return func(ctx context.Context, cmd Commander, _ string) error {
		return fn(cmd, ctx)
	}
}
