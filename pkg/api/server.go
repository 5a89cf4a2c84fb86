package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

// Server runs the HTTP listener as a suture.Service.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	listener        net.Listener
}

func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// Listen binds the address ahead of Serve so callers learn the bound port (useful with ":0").
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, utils.WrapIfNotNil(err, s.httpServer.Addr)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener
	s.listener = nil

	s.httpServer.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }
	log := logging.NewLogger(ctx)
	log.Infof("http_server_listening addr=%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return utils.WrapIfNotNil(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http_server_shutdown_failed err=%v", err)
		return utils.WrapIfNotNil(err)
	}
	log.Infof("http_server_stopped")
	return ctx.Err()
}

func (s *Server) String() string {
	return "http-server"
}
