// Package transport provides the byte-level session to a radio device over
// a local serial link or a TCP socket, plus endpoint enumeration for
// auto-detection. Implementations deliver deframed protocol payloads on a
// bounded channel and surface a dropped link as a distinguished error so
// the connection manager can decide between reconnecting and failing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Transport errors. ErrConnectionDropped marks a link that was up and then
// lost, as opposed to one that never opened.
var (
	ErrPortBusy          = errors.New("transport: port busy")
	ErrPortNotFound      = errors.New("transport: port not found")
	ErrRefused           = errors.New("transport: connection refused")
	ErrTimeout           = errors.New("transport: timeout")
	ErrConnectionDropped = errors.New("transport: connection dropped")
	ErrClosed            = errors.New("transport: closed")
)

// EndpointKind discriminates serial paths from network targets.
type EndpointKind int

const (
	EndpointSerial EndpointKind = iota
	EndpointTCP
)

// Endpoint identifies one candidate transport target.
type Endpoint struct {
	Kind EndpointKind
	Path string // serial device path
	Host string // network host
	Port int    // network port
}

// SerialEndpoint returns a serial candidate for the given device path.
func SerialEndpoint(path string) Endpoint {
	return Endpoint{Kind: EndpointSerial, Path: path}
}

// TCPEndpoint returns a network candidate. Port 0 defaults to the
// device's standard API port.
func TCPEndpoint(host string, port int) Endpoint {
	if port == 0 {
		port = DefaultTCPPort
	}
	return Endpoint{Kind: EndpointTCP, Host: host, Port: port}
}

func (e Endpoint) String() string {
	if e.Kind == EndpointSerial {
		return "serial:" + e.Path
	}
	return fmt.Sprintf("tcp:%s:%d", e.Host, e.Port)
}

// Frame is one deframed protocol payload received from the device.
type Frame struct {
	Data   []byte
	RxTime time.Time
}

// Transport is one byte-level session to a device. Open is single-shot:
// after the frames channel closes the transport is spent and a fresh one
// must be dialed. Close is idempotent and releases the OS handle.
type Transport interface {
	// Open establishes the link. It honours ctx cancellation/deadline and
	// returns one of the transport errors on failure.
	Open(ctx context.Context) error
	// Close tears the link down. Safe to call more than once.
	Close() error
	// Write sends an already-framed payload to the device.
	Write(p []byte) error
	// Frames returns the inbound payload channel. It closes when the link
	// goes down; Err then reports why.
	Frames() <-chan Frame
	// Err returns the sticky cause after Frames has closed, nil for a
	// locally requested Close.
	Err() error
	// Endpoint returns the target this transport was dialed for.
	Endpoint() Endpoint
}

// Dial constructs an unopened transport for the endpoint.
func Dial(ep Endpoint, log *zap.Logger) Transport {
	if ep.Kind == EndpointSerial {
		return newSerialTransport(ep, log)
	}
	return newTCPTransport(ep, log)
}
