package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-toolbox"
)

func newStdioCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve MCP over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStdio(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) runStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	dispatcher, _, err := a.newDispatcher()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcp.NewServer(dispatcher, mcp.NewStdIO(in, out, mcp.WithStdIOLogger(a.logger)), a.serverOptions()...)

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve()
	}()
	a.logger.Info("serving on stdio", slog.String("server", a.cfg.Server.Name))

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return <-served
}
