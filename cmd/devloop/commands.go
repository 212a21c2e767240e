package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/devloop"
	"github.com/loykin/devloop/internal/logger"
	"github.com/loykin/devloop/pkg/client"
)

// command carries state shared by subcommands
type command struct {
	global *GlobalFlags
}

func (c command) loadConfig() (*devloop.Config, error) {
	return devloop.LoadConfig(c.global.ConfigPath)
}

// Serve runs the dev loop until SIGINT or SIGTERM.
func (c command) Serve(cmd *cobra.Command, flags ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg, flags)
	logger.Setup(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Color: cfg.Log.Color})
	gin.SetMode(ginMode(cfg.Log.Level))

	app, err := devloop.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting devloop", "version", version, "project", cfg.Project.Dir)
	err = app.Run(ctx, func(a net.Addr) {
		slog.Info("Listening", "addr", a.String(), "api", cfg.Server.APIBase)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Stopped")
	return nil
}

// ginMode keeps gin's route dumps out of the log unless debugging; the route
// table builds a fresh engine on every swap.
func ginMode(level string) string {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		return gin.DebugMode
	}
	return gin.ReleaseMode
}

func applyServeFlags(cfg *devloop.Config, flags ServeFlags) {
	if flags.Dir != "" {
		cfg.Project.Dir = flags.Dir
	}
	if flags.Host != "" {
		cfg.Server.Host = flags.Host
	}
	if flags.Port > 0 {
		cfg.Server.Port = flags.Port
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
}

func (c command) client(flags APIFlags) (*client.Client, error) {
	base, token := flags.APIUrl, flags.APIToken
	if base == "" || token == "" {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = apiURL(cfg)
		}
		if token == "" {
			token = cfg.Server.APIToken
		}
	}
	return client.New(client.Config{BaseURL: base, Token: token, Timeout: flags.APITimeout}), nil
}

// apiURL derives the local control API address from the config.
func apiURL(cfg *devloop.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, fmt.Sprint(cfg.Server.Port)), Path: cfg.Server.APIBase}
	return u.String()
}

// Status prints the daemon snapshot as JSON.
func (c command) Status(cmd *cobra.Command, flags APIFlags) error {
	cl, err := c.client(flags)
	if err != nil {
		return err
	}
	st, err := cl.Status(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), st)
	return nil
}

// Run asks the daemon to run task.
func (c command) Run(cmd *cobra.Command, flags APIFlags, task string) error {
	cl, err := c.client(flags)
	if err != nil {
		return err
	}
	if err := cl.Run(cmd.Context(), task); err != nil {
		if errors.Is(err, client.ErrBusy) {
			return fmt.Errorf("task %q refused: %w", task, err)
		}
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", task)
	return nil
}
