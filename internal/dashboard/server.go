// Package dashboard is the HTTP control surface: a JSON API over rooms,
// workers, decisions and cycles, plus a server-sent event stream relaying
// the bus.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/quoroom/internal/bus"
	"github.com/zulandar/quoroom/internal/quorum"
	"github.com/zulandar/quoroom/internal/room"
	"github.com/zulandar/quoroom/internal/scheduler"
	"gorm.io/gorm"
)

// Deps are the services the routes act on.
type Deps struct {
	DB        *gorm.DB
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
	Quorum    *quorum.Engine
	Defaults  room.Settings // settings for rooms created without any
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("dashboard: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
		// Event streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine serving the API.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("dashboard: db is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("dashboard: bus is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("dashboard: scheduler is required")
	}
	if deps.Quorum == nil {
		return nil, fmt.Errorf("dashboard: quorum is required")
	}
	if deps.Defaults.AutonomyMode == "" {
		deps.Defaults = room.DefaultSettings()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &deps)
	return router, nil
}
