package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags override config values for the serve command
type ServeFlags struct {
	Dir      string
	Host     string
	Port     int
	LogLevel string
}

// APIFlags locate a running daemon
type APIFlags struct {
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	apiFlags := &APIFlags{}
	cmd := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(cmd, serveFlags),
		createStatusCommand(cmd, apiFlags),
		createRunCommand(cmd, apiFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devloop",
		Short: "Install, build, serve and live-reload a web project",
		Long: `Devloop watches a project directory, runs its install command when the
manifest changes and its build command when sources change, serves the build
output and reloads connected browsers.

Examples:
  devloop serve                          # watch ./app on :3000
  devloop serve --dir=site --port=8080
  devloop status
  devloop run lint                       # npm run lint on the daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev loop in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "project directory (overrides project.dir)")
	cmd.Flags().StringVar(&flags.Host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "listen port (overrides server.port and PORT)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config, e.g. http://localhost:3000/api)")
	cmd.Flags().StringVar(&flags.APIToken, "api-token", "", "API token (default server.api_token or DEVLOOP_API_TOKEN)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

// createRunCommand creates the run subcommand
func createRunCommand(c command, flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a manifest script on the daemon unless a command is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd, *flags, args[0])
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "devloop", version)
		},
	}
}
