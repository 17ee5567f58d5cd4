package promadapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 5 * time.Second

// ErrListenFailed is returned by Start when the listen address cannot be bound.
var ErrListenFailed = errors.New("metrics server failed to listen")

// Server exposes a Prometheus gatherer on /metrics.
type Server struct {
	server   *http.Server
	listener net.Listener
	errChan  chan error
}

// NewServer creates a metrics server on addr, for example ":9090".
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		errChan: make(chan error, 1),
	}
}

// Start binds the listen address and serves in a goroutine.
// A bind failure is returned right away; later serve errors are reported by Err.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errors.Join(ErrListenFailed, err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errChan <- err
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.server.Addr
}

// Err returns a serve error if one occurred. It does not block.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

// Shutdown gracefully stops the server and reports any serve error that happened meanwhile.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.Err(), s.server.Shutdown(ctx))
}
