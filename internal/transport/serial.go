package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/jaschadub/Meshling/internal/protocol"
)

const (
	serialBaudRate     = 115200
	serialReadBufSize  = 1024
	serialFrameChanLen = 256
	serialPollTimeout  = 200 * time.Millisecond
)

// serialTransport is a single-shot session over a USB serial link.
type serialTransport struct {
	ep     Endpoint
	log    *zap.Logger
	frames chan Frame

	mu     sync.Mutex
	port   serial.Port
	closed bool
	cause  error
	wg     sync.WaitGroup
}

func newSerialTransport(ep Endpoint, log *zap.Logger) *serialTransport {
	return &serialTransport{
		ep:     ep,
		log:    log,
		frames: make(chan Frame, serialFrameChanLen),
	}
}

func (t *serialTransport) Open(ctx context.Context) error {
	type result struct {
		port serial.Port
		err  error
	}
	// serial.Open has no context form; run it aside so a probe timeout
	// can abandon a wedged driver.
	res := make(chan result, 1)
	go func() {
		port, err := serial.Open(t.ep.Path, &serial.Mode{BaudRate: serialBaudRate})
		res <- result{port, err}
	}()

	select {
	case <-ctx.Done():
		go func() { // release the handle if the open eventually succeeds
			if r := <-res; r.err == nil {
				r.port.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: open %s", ErrTimeout, t.ep.Path)
		}
		return fmt.Errorf("%w: open %s cancelled", ErrClosed, t.ep.Path)
	case r := <-res:
		if r.err != nil {
			return mapSerialError(t.ep.Path, r.err)
		}
		// Short read timeout lets the read loop notice Close promptly.
		r.port.SetReadTimeout(serialPollTimeout) //nolint:errcheck

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			r.port.Close()
			return ErrClosed
		}
		t.port = r.port
		t.mu.Unlock()

		t.log.Info("serial: opened", zap.String("path", t.ep.Path))
		t.wg.Add(1)
		go t.readLoop(r.port)
		return nil
	}
}

func (t *serialTransport) readLoop(port serial.Port) {
	defer t.wg.Done()
	defer close(t.frames)

	var d protocol.Deframer
	buf := make([]byte, serialReadBufSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, payload := range d.Push(buf[:n]) {
				select {
				case t.frames <- Frame{Data: payload, RxTime: time.Now().UTC()}:
				default:
					t.log.Warn("serial: frame channel full, dropping frame")
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
		if n == 0 {
			// Poll timeout; bail out if the port was closed under us.
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
		}
	}
}

func (t *serialTransport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	closed := t.closed
	t.mu.Unlock()

	if closed || port == nil {
		return ErrClosed
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionDropped, err)
	}
	return nil
}

func (t *serialTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	port := t.port
	t.mu.Unlock()

	if port != nil {
		port.Close()
		t.wg.Wait()
	}
	return nil
}

func (t *serialTransport) Frames() <-chan Frame { return t.frames }

func (t *serialTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

func (t *serialTransport) Endpoint() Endpoint { return t.ep }

func mapSerialError(path string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %s", ErrPortBusy, path)
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrPortNotFound, path)
		}
	}
	return fmt.Errorf("%w: open %s: %v", ErrPortNotFound, path, err)
}
