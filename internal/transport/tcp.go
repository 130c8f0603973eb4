package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/protocol"
)

// DefaultTCPPort is the device's standard network API port.
const DefaultTCPPort = 4403

const (
	tcpReadBufSize   = 4096
	tcpFrameChanSize = 256
	tcpWriteTimeout  = 10 * time.Second
)

// tcpTransport is a single-shot TCP session to a network-attached device.
type tcpTransport struct {
	ep     Endpoint
	log    *zap.Logger
	frames chan Frame

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	cause  error
	wg     sync.WaitGroup
}

func newTCPTransport(ep Endpoint, log *zap.Logger) *tcpTransport {
	return &tcpTransport{
		ep:     ep,
		log:    log,
		frames: make(chan Frame, tcpFrameChanSize),
	}
}

func (t *tcpTransport) Open(ctx context.Context) error {
	addr := net.JoinHostPort(t.ep.Host, strconv.Itoa(t.ep.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return mapDialError(addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) //nolint:errcheck
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("tcp: connected", zap.String("addr", addr))
	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

func (t *tcpTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer close(t.frames)

	var d protocol.Deframer
	buf := make([]byte, tcpReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, payload := range d.Push(buf[:n]) {
				select {
				case t.frames <- Frame{Data: payload, RxTime: time.Now().UTC()}:
				default:
					t.log.Warn("tcp: frame channel full, dropping frame")
				}
			}
		}
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.cause = fmt.Errorf("%w: %v", ErrConnectionDropped, err)
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *tcpTransport) Write(p []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed || conn == nil {
		return ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)) //nolint:errcheck
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionDropped, err)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
		t.wg.Wait()
	}
	return nil
}

func (t *tcpTransport) Frames() <-chan Frame { return t.frames }

func (t *tcpTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *tcpTransport) Endpoint() Endpoint { return t.ep }

func mapDialError(addr string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: dial %s", ErrTimeout, addr)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: dial %s cancelled", ErrClosed, addr)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: dial %s", ErrRefused, addr)
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return fmt.Errorf("%w: dial %s", ErrTimeout, addr)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrRefused, addr, err)
	}
}
