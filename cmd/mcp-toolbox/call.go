package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-toolbox"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		connectURL string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <tool> [key=value...]",
		Short: "Call a tool on a running SSE server",
		Long: `Call a tool on a running SSE server and print its text result.

Each argument is key=value. A value that parses as JSON (a number, true, false, null, an object
or an array) is sent as such; anything else is sent as a string.`,
		Example: `  mcp-toolbox call sha256_hash text="hello world"
  mcp-toolbox call is_port_open host=localhost port=8000 --url http://localhost:8000/sse`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArguments(args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			transport := mcp.NewSSEClient(connectURL, &http.Client{}, mcp.WithSSEClientLogger(a.logger))
			cli := mcp.NewClient(mcp.Info{Name: "mcp-toolbox-cli", Version: a.cfg.Server.Version}, transport,
				mcp.WithClientLogger(a.logger),
				mcp.WithClientRequestTimeout(timeout),
			)
			if err := cli.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to %s: %w", connectURL, err)
			}
			defer cli.Close()

			res, err := cli.CallTool(ctx, args[0], toolArgs)
			if err != nil {
				return err
			}
			for _, c := range res.Content {
				if c.Type == mcp.ContentTypeText {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), c.Text); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&connectURL, "url", "http://localhost:8000/sse", "event stream URL of the server")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for the call")
	return cmd
}

func parseToolArguments(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}
