package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
)

const (
	// Server timeouts
	defaultGracefulShutdownTimeout = 5 * time.Second
	readHeaderTimeout              = 10 * time.Second
)

// Server exposes the operator API over HTTP.
type Server struct {
	cfg     config.APIConfig
	manager *Manager
	router  *gin.Engine
	tls     *tls.Config
	logger  *zap.Logger
}

// NewServer builds the router and loads TLS material when configured.
func NewServer(cfg config.APIConfig, manager *Manager, logger *zap.Logger) (*Server, error) {
	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	NewHandler(manager, logger).RegisterRoutes(router.Group("/api"))

	return &Server{cfg: cfg, manager: manager, router: router, tls: tlsConfig, logger: logger}, nil
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving and blocks until context cancellation or server error.
func (s *Server) Start(ctx context.Context, onReady func()) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on address '%s': %w", s.cfg.Address, err)
	}
	if s.tls != nil {
		listener = tls.NewListener(listener, s.tls)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if onReady != nil {
		onReady()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown", zap.Error(err))
		}
		s.manager.Close()
	}()

	s.logger.Info("API server listening", zap.String("addr", s.cfg.Address), zap.Bool("tls", s.tls != nil))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildTLSConfig loads TLS assets and returns a server TLS configuration.
func buildTLSConfig(cfg config.APIConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.TLS.CAFile != "" {
		caData, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not load CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("CA certificates addition failed")
		}
		tlsCfg.ClientCAs = pool
	}

	if cfg.TLS.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

// requestLogger logs every API call at debug level and failures at warn.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("API request failed", fields...)
			return
		}
		logger.Debug("API request", fields...)
	}
}
