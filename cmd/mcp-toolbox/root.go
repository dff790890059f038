package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-toolbox"
	"github.com/MegaGrindStone/mcp-toolbox/internal/config"
	"github.com/MegaGrindStone/mcp-toolbox/internal/logging"
	"github.com/MegaGrindStone/mcp-toolbox/servers/toolbox"
)

// app carries what every subcommand needs once the root command has loaded the configuration.
type app struct {
	configPath string
	logLevel   string
	logFile    string

	cfg       config.Config
	logger    *slog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "mcp-toolbox",
		Short: "MCP server with format, text and network utility tools",
		Long: `mcp-toolbox is a Model Context Protocol server exposing stateless utility tools:
YAML/JSON conversion, base64 encoding, SHA-256 hashing, TCP port checks and URL validation.
It speaks newline-delimited JSON-RPC on stdio or Server-Sent Events over HTTP.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	// Diagnostics go to stderr; stdout belongs to the protocol in stdio mode.
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&a.logFile, "log-file", "", "also write logs to this file, rotated by size")

	cmd.AddCommand(
		newStdioCmd(a),
		newSSECmd(a),
		newToolsCmd(a),
		newCallCmd(a),
	)
	return cmd
}

// setup loads the configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = a.logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

// newDispatcher registers the toolbox tools and wraps them in a dispatcher.
func (a *app) newDispatcher() (*mcp.Dispatcher, *mcp.Registry, error) {
	reg := mcp.NewRegistry()
	if err := toolbox.Register(reg); err != nil {
		return nil, nil, err
	}
	d := mcp.NewDispatcher(
		mcp.Info{Name: a.cfg.Server.Name, Version: a.cfg.Server.Version},
		reg,
		mcp.WithInstructions(toolbox.Instructions),
		mcp.WithCallTimeout(a.cfg.Server.CallTimeout.Duration),
		mcp.WithDispatcherLogger(a.logger),
	)
	return d, reg, nil
}

func (a *app) serverOptions() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithServerLogger(a.logger),
		mcp.WithServerSendTimeout(a.cfg.Server.SendTimeout.Duration),
		mcp.WithServerMaxConcurrentCalls(a.cfg.Server.MaxConcurrentCalls),
	}
}
