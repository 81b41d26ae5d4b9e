package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/observability/log"
)

// ServeHTTP answers /healthz and /stats from the last published snapshot.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		if !s.running.Load() {
			http.Error(w, "not running", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	case "/stats":
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
			s.logger.Debug("Failed to write stats", log.Error(err))
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveStatus(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.StatusAddr)
	if err != nil {
		return errors.Wrapf(ErrListenerFailed, "status %s: %v", s.config.StatusAddr, err)
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Status endpoint started", log.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "status endpoint")
	}
	return nil
}
