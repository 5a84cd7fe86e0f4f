// internal/http/server.go
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/internal/config"
	"github.com/Wxveshack/ibkr/pkg/logger"
)

// HTTPServer — жизненный цикл служебного HTTP-сервера коннектора.
type HTTPServer interface {
	// Start блокирует до отмены ctx либо фатальной ошибки запуска.
	Start(ctx context.Context) error
}

// ReadyChecker возвращает nil, если сервис готов.
type ReadyChecker func() error

// Server инкапсулирует HTTP эндпоинты: /metrics, /healthz, /readyz.
type Server struct {
	httpServer      *http.Server
	checkReady      ReadyChecker
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// NewServer создаёт HTTPServer по конфигу.
// checkReady вызывается на readyz-пути.
func NewServer(cfg config.HTTPConfig, checkReady ReadyChecker, log *logger.Logger) HTTPServer {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(cfg.ReadyzPath, func(w http.ResponseWriter, r *http.Request) {
		if err := checkReady(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("NOT READY: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		checkReady:      checkReady,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log.Named("http-server"),
	}
}

// Start запускает HTTP-сервер и блокирует до отмены ctx или фатальной ошибки запуска.
// По отмене ctx выполняется graceful shutdown с таймаутом из конфига.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	// Запускаем сервер в отдельной горутине и сразу ловим ошибки старта.
	go func() {
		s.log.Info("http: starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		// инициируем shutdown
		s.log.Info("http: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed to start: %w", err)
		}
		// errCh закрыт без ошибки => сервер завершился некритично
		return nil
	}

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http: graceful shutdown failed", zap.Error(err))
		return err
	}

	s.log.Info("http: server stopped gracefully")
	return nil
}
