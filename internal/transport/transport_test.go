package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/protocol"
)

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "serial:/dev/ttyUSB0", SerialEndpoint("/dev/ttyUSB0").String())
	assert.Equal(t, "tcp:10.0.0.5:4403", TCPEndpoint("10.0.0.5", 0).String())
	assert.Equal(t, "tcp:radio.local:4404", TCPEndpoint("radio.local", 4404).String())
}

func TestOrderCandidatesSerialFirst(t *testing.T) {
	eps := []Endpoint{
		TCPEndpoint("10.0.0.5", 4403),
		SerialEndpoint("/dev/ttyUSB0"),
		TCPEndpoint("10.0.0.6", 4403),
		SerialEndpoint("/dev/ttyACM0"),
	}
	got := OrderCandidates(eps)
	require.Len(t, got, 4)
	assert.Equal(t, "/dev/ttyUSB0", got[0].Path)
	assert.Equal(t, "/dev/ttyACM0", got[1].Path)
	assert.Equal(t, "10.0.0.5", got[2].Host)
	assert.Equal(t, "10.0.0.6", got[3].Host)
}

func TestLikelyDevicePort(t *testing.T) {
	cases := []struct {
		path, goos string
		want       bool
	}{
		{"/dev/ttyUSB0", "linux", true},
		{"/dev/ttyACM1", "linux", true},
		{"/dev/ttyS0", "linux", false},
		{"/dev/tty.usbserial-0001", "darwin", true},
		{"/dev/tty.SLAB_USBtoUART", "darwin", true},
		{"/dev/tty.Bluetooth-Incoming-Port", "darwin", false},
		{"COM3", "windows", true},
		{"LPT1", "windows", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, likelyDevicePort(tc.path, tc.goos), "%s on %s", tc.path, tc.goos)
	}
}

func TestTCPOpenRefused(t *testing.T) {
	// Reserve a port and close the listener so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	tr := Dial(TCPEndpoint("127.0.0.1", addr.Port), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = tr.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestTCPOpenTimeout(t *testing.T) {
	// RFC 5737 TEST-NET address: never routable, so the dial must hit the
	// context deadline.
	tr := Dial(TCPEndpoint("192.0.2.1", 4403), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTCPFramesAndDrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := Dial(TCPEndpoint("127.0.0.1", addr.Port), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	devConn := <-accepted
	payload := []byte{0x08, 0x2A} // minimal varint field
	framed, err := protocol.Frame(payload)
	require.NoError(t, err)
	_, err = devConn.Write(framed)
	require.NoError(t, err)

	select {
	case fr := <-tr.Frames():
		assert.Equal(t, payload, fr.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	// Remote close must surface as a dropped connection.
	require.NoError(t, devConn.Close())
	select {
	case _, ok := <-tr.Frames():
		assert.False(t, ok, "frames channel should close")
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel did not close")
	}
	assert.ErrorIs(t, tr.Err(), ErrConnectionDropped)
}

func TestTCPLocalCloseIsNotADrop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, aerr := ln.Accept()
		if aerr == nil {
			defer c.Close()
			time.Sleep(500 * time.Millisecond)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := Dial(TCPEndpoint("127.0.0.1", addr.Port), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Open(ctx))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "Close must be idempotent")
	assert.NoError(t, tr.Err())
	assert.ErrorIs(t, tr.Write([]byte{0}), ErrClosed)
}

func TestSerialOpenNotFound(t *testing.T) {
	tr := Dial(SerialEndpoint("/dev/ttyUSB-definitely-missing"), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortNotFound)
}
