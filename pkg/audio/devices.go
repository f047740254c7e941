package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// ErrDeviceNotFound is returned when no host device matches the requested
// name, or the matching device lacks channels in the required direction.
var ErrDeviceNotFound = errors.New("audio: device not found")

// FindInputDevice resolves a capture device by case-insensitive substring
// match against host device names. An empty name selects the host default.
// PortAudio must be initialized before calling.
func FindInputDevice(name string) (*portaudio.DeviceInfo, error) {
	return findDevice(name, true)
}

// FindOutputDevice resolves a playback device by case-insensitive substring
// match against host device names. An empty name selects the host default.
func FindOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	return findDevice(name, false)
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			dev, err := portaudio.DefaultInputDevice()
			if err != nil {
				return nil, fmt.Errorf("audio: default input device: %w", err)
			}
			return dev, nil
		}
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("audio: default output device: %w", err)
		}
		return dev, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	needle := strings.ToLower(name)
	for _, dev := range devices {
		if !strings.Contains(strings.ToLower(dev.Name), needle) {
			continue
		}
		if input && dev.MaxInputChannels < 1 {
			continue
		}
		if !input && dev.MaxOutputChannels < 1 {
			continue
		}
		return dev, nil
	}
	direction := "output"
	if input {
		direction = "input"
	}
	return nil, fmt.Errorf("audio: no %s device matching %q: %w", direction, name, ErrDeviceNotFound)
}

// DeviceNames lists all host devices with their channel counts, for startup
// logging and device-not-found diagnostics.
func DeviceNames() ([]string, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		names = append(names, fmt.Sprintf("%s (in=%d out=%d, %.0f Hz)",
			dev.Name, dev.MaxInputChannels, dev.MaxOutputChannels, dev.DefaultSampleRate))
	}
	return names, nil
}
