// Package audio discovers Pulse input sources and runs the shared microphone stream.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const monitorSuffix = ".monitor"

// ErrPermission marks a capture server that refused access to the microphone.
var ErrPermission = errors.New("microphone access denied")

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
	// Monitor marks a loopback of an output sink. It never carries the candidate's voice.
	Monitor bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("candor"),
		pulse.ClientApplicationIconName("camera-web"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", classify(err))
	}
	return client, nil
}

// classify maps pulse refusals onto ErrPermission.
func classify(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "access denied") || strings.Contains(text, "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}

// ListDevices returns every Pulse source, monitors included, for the devices listing.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	fallback, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", classify(err))
	}

	var reply pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("list sources: %w", classify(err))
	}

	out := make([]Device, 0, len(reply))
	for _, info := range reply {
		if info != nil {
			out = append(out, deviceFrom(info, fallback.ID()))
		}
	}
	return out, nil
}

func deviceFrom(info *pulseproto.GetSourceInfoReply, defaultName string) Device {
	return Device{
		ID:          info.SourceName,
		Description: info.Device,
		State:       stateName(info.State),
		Available:   activePortUsable(info),
		Muted:       info.Mute,
		Default:     info.SourceName == defaultName,
		Monitor:     strings.HasSuffix(info.SourceName, monitorSuffix),
	}
}

var sourceStates = [...]string{"running", "idle", "suspended"}

func stateName(state uint32) string {
	if int(state) < len(sourceStates) {
		return sourceStates[state]
	}
	return fmt.Sprintf("unknown(%d)", state)
}

// portUnavailable is PA_PORT_AVAILABLE_NO.
const portUnavailable = 1

// activePortUsable is false only when the source's active port reports itself unplugged.
func activePortUsable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	for _, port := range info.Ports {
		if port.Name == info.ActivePortName {
			return port.Available != portUnavailable
		}
	}
	return true
}
