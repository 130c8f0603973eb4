package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Gateway runs the HTTP server in front of the core.
type Gateway struct {
	log    *zap.Logger
	server *http.Server
}

// New constructs a Gateway without starting it.
func New(addr string, handler http.Handler, log *zap.Logger) *Gateway {
	return &Gateway{
		log: log,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start serves HTTP and blocks until ctx is cancelled or the server dies.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.server.Addr, err)
	}
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down gateway")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}
