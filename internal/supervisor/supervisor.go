// Package supervisor runs the gateway's long-lived services under a suture
// tree so a crashed service is restarted instead of taking the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64 // seconds
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has one child supervisor per layer: messaging (the bus bridge), api
// (the HTTP server) and maintenance (sweepers).
type Tree struct {
	root        *suture.Supervisor
	messaging   *suture.Supervisor
	api         *suture.Supervisor
	maintenance *suture.Supervisor
}

func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	child := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := child
	rootSpec.EventHook = hook

	t := &Tree{
		root:        suture.New("towerintel", rootSpec),
		messaging:   suture.New("messaging", child),
		api:         suture.New("api", child),
		maintenance: suture.New("maintenance", child),
	}
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	t.root.Add(t.maintenance)
	return t
}

func (t *Tree) AddMessaging(s suture.Service) suture.ServiceToken   { return t.messaging.Add(s) }
func (t *Tree) AddAPI(s suture.Service) suture.ServiceToken         { return t.api.Add(s) }
func (t *Tree) AddMaintenance(s suture.Service) suture.ServiceToken { return t.maintenance.Add(s) }

// Serve blocks until ctx is cancelled or the root gives up.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }

// Func adapts a blocking function into a named service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }
func (f Func) String() string                  { return f.Name }

// Every runs fn on a fixed interval until ctx is cancelled.
func Every(name string, interval time.Duration, fn func()) Func {
	return Func{Name: name, Run: func(ctx context.Context) error {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tk.C:
				fn()
			}
		}
	}}
}
