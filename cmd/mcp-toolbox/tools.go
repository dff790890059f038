package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/mcp-toolbox"
)

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool descriptors as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, reg, err := a.newDispatcher()
			if err != nil {
				return err
			}

			tools := make([]mcp.ToolDescriptor, 0)
			for desc := range reg.List() {
				tools = append(tools, desc)
			}
			bs, err := json.MarshalIndent(mcp.ListToolsResult{Tools: tools}, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode tools: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bs))
			return err
		},
	}
}
