package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Selection is the capture source to open. Warning explains a fallback.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

// SelectDevice resolves the audio.input and audio.fallback preferences against live sources.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDeviceFromList(devices, input, fallback)
}

// selectDeviceFromList picks the primary source (named input, else the server default) and
// swaps to the fallback when the primary is muted, unplugged, or a sink monitor. An unnamed
// fallback means the server default, then the first usable microphone.
func selectDeviceFromList(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}
	input = normalizeTerm(input)
	fallback = normalizeTerm(fallback)

	primary, err := resolvePrimary(devices, input)
	if err != nil {
		return Selection{}, err
	}
	reason := unusable(primary)
	if reason == "" {
		return Selection{Device: primary}, nil
	}

	var alternate Device
	if fallback != "" {
		found, ok := findDevice(devices, fallback)
		if !ok {
			return Selection{}, fmt.Errorf("primary input %q is %s and fallback %q not found", primary.ID, reason, fallback)
		}
		alternate = found
	} else {
		found, ok := firstUsable(devices)
		if !ok {
			return Selection{}, fmt.Errorf("primary input %q is %s and no usable fallback", primary.ID, reason)
		}
		alternate = found
	}
	if why := unusable(alternate); why != "" {
		return Selection{}, fmt.Errorf("audio fallback device %q is %s", alternate.ID, why)
	}

	return Selection{
		Device:   alternate,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, reason, alternate.ID),
		Fallback: primary.ID != alternate.ID,
	}, nil
}

func resolvePrimary(devices []Device, input string) (Device, error) {
	if input != "" {
		if found, ok := findDevice(devices, input); ok {
			return found, nil
		}
		return Device{}, fmt.Errorf("audio.input %q did not match any device", input)
	}
	for _, dev := range devices {
		if dev.Default {
			return dev, nil
		}
	}
	return Device{}, errors.New("default audio source is unavailable")
}

// firstUsable prefers the server default, then list order.
func firstUsable(devices []Device) (Device, bool) {
	for _, dev := range devices {
		if dev.Default && unusable(dev) == "" {
			return dev, true
		}
	}
	for _, dev := range devices {
		if unusable(dev) == "" {
			return dev, true
		}
	}
	for _, dev := range devices {
		if dev.Default {
			return dev, true
		}
	}
	return Device{}, false
}

func unusable(dev Device) string {
	switch {
	case dev.Monitor:
		return "a speaker monitor"
	case !dev.Available:
		return "not available"
	case dev.Muted:
		return "muted"
	default:
		return ""
	}
}

// normalizeTerm lowercases a preference; "" and "default" both mean no preference.
func normalizeTerm(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "default" {
		return ""
	}
	return term
}

func findDevice(devices []Device, term string) (Device, bool) {
	for _, dev := range devices {
		if deviceMatches(dev, term) {
			return dev, true
		}
	}
	return Device{}, false
}

// deviceMatches reports whether term is a substring of the device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

// Describe formats a device for logs and the devices listing.
func Describe(device Device) string {
	description := strings.TrimSpace(device.Description)
	id := strings.TrimSpace(device.ID)
	switch {
	case description == "":
		return id
	case id == "":
		return description
	default:
		return fmt.Sprintf("%s (%s)", description, id)
	}
}
