// Package httpapi exposes merge request and pipeline intents as a JSON API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New creates a server on port. requestTimeout bounds every request,
// including ?wait=true run awaits.
func New(port int, requestTimeout time.Duration, logger *zap.Logger, mrs MergeRequests, pipelines Pipelines) *Server {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(logger, requestTimeout, mrs, pipelines),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		srv:    httpSrv,
		logger: logger,
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.srv.Shutdown(ctx)
}
