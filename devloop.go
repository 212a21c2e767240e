// Package devloop watches a web project, reruns its install and build
// commands when sources change, serves the build output and tells connected
// browsers to reload.
package devloop

import (
	"context"
	stdtls "crypto/tls"
	"fmt"
	"net"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"

	"github.com/loykin/devloop/internal/auth"
	cfg "github.com/loykin/devloop/internal/config"
	"github.com/loykin/devloop/internal/metrics"
	"github.com/loykin/devloop/internal/orchestrator"
	"github.com/loykin/devloop/internal/server"
	"github.com/loykin/devloop/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = orchestrator.Status

func LoadConfig(path string) (*Config, error) {
	return cfg.LoadConfig(path)
}

// App is one dev loop plus its HTTP surface.
type App struct {
	cfg     *Config
	orch    *orchestrator.Orchestrator
	handler http.Handler
	tls     *stdtls.Config
}

// New wires an App from c. Metrics are registered with the default registry
// when enabled.
func New(c *Config, opts ...orchestrator.Option) (*App, error) {
	if c == nil {
		return nil, fmt.Errorf("devloop: config is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tc, err := tls.Setup(c.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	var notFound http.Handler = http.NotFoundHandler()
	if c.Server.NotFoundPage != "" {
		notFound = server.NotFoundHandler(filepath.Join(c.Project.Dir, c.Server.NotFoundPage))
	}
	o, err := orchestrator.New(c, append([]orchestrator.Option{orchestrator.WithNotFound(notFound)}, opts...)...)
	if err != nil {
		return nil, err
	}
	ropts := server.Options{
		BasePath: c.Server.APIBase,
		Live:     o.Hub(),
		Static:   o.Routes(),
		Auth:     auth.New(c.Server.APIToken).Gin(),
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		ropts.MetricsPath = c.Metrics.Path
	}
	return &App{cfg: c, orch: o, handler: server.NewRouter(o, ropts).Handler(), tls: tc}, nil
}

// Handler serves the websocket, control API, metrics and build output.
func (a *App) Handler() http.Handler { return a.handler }

// Status returns the orchestrator snapshot.
func (a *App) Status(ctx context.Context) (Status, error) { return a.orch.Status(ctx) }

// RunTask runs a manifest script unless a command is running.
func (a *App) RunTask(ctx context.Context, task string) error { return a.orch.RunTask(ctx, task) }

// Run serves until ctx is cancelled or either half fails. ready, when not
// nil, receives the listening address.
func (a *App) Run(ctx context.Context, ready func(net.Addr)) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return a.orch.Run(ctx)
	})
	p.Go(func(ctx context.Context) error {
		srv := server.NewServer(a.cfg.Server.Addr(), a.handler)
		srv.TLSConfig = a.tls
		return server.Serve(ctx, srv, a.cfg.Server.ShutdownTimeout, ready)
	})
	return p.Wait()
}
