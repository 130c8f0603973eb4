package transport

import (
	"runtime"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// ListSerialEndpoints enumerates serial ports that plausibly carry a radio
// device, filtered by the platform's USB-serial naming conventions. The
// result is sorted so probing order is stable.
func ListSerialEndpoints(log *zap.Logger) []Endpoint {
	ports, err := serial.GetPortsList()
	if err != nil {
		log.Warn("detect: serial enumeration failed", zap.Error(err))
		return nil
	}
	var out []Endpoint
	for _, p := range ports {
		if !likelyDevicePort(p, runtime.GOOS) {
			continue
		}
		log.Debug("detect: candidate serial port", zap.String("path", p))
		out = append(out, SerialEndpoint(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// likelyDevicePort applies the per-platform path patterns used for
// USB-attached radios (CP210x, CH340, FTDI bridges).
func likelyDevicePort(path, goos string) bool {
	switch goos {
	case "linux":
		return strings.HasPrefix(path, "/dev/ttyUSB") || strings.HasPrefix(path, "/dev/ttyACM")
	case "darwin":
		return strings.Contains(path, "tty.usbserial") ||
			strings.Contains(path, "tty.usbmodem") ||
			strings.Contains(path, "tty.SLAB_USBtoUART")
	case "windows":
		return strings.HasPrefix(path, "COM")
	default:
		return strings.Contains(path, "tty")
	}
}

// OrderCandidates sorts endpoints for probing: serial ports first (the
// common locally-tethered case), preserving the given order within each
// kind.
func OrderCandidates(eps []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep.Kind == EndpointSerial {
			out = append(out, ep)
		}
	}
	for _, ep := range eps {
		if ep.Kind != EndpointSerial {
			out = append(out, ep)
		}
	}
	return out
}
