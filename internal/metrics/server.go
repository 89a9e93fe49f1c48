package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the metrics registry over HTTP for scraping.
type Server struct {
	registry *Registry
	logger   *slog.Logger
	srv      *http.Server
	done     chan struct{}
}

// NewServer builds an HTTP server serving the registry at path.
func NewServer(registry *Registry, port int, path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Server{
		registry: registry,
		logger:   logger.With("component", "metrics-server"),
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Start begins serving in the background. The returned error covers
// only listener setup; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()

	s.logger.Info("metrics server started", "addr", s.srv.Addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	<-s.done
	return nil
}
