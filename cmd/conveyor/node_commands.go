package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

func newNodesCommand(ctx *commandContext) *cobra.Command {
	nodesCmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and manage processing nodes",
	}

	nodesCmd.AddCommand(newNodesListCommand(ctx))
	nodesCmd.AddCommand(newNodesClearCommand(ctx))

	return nodesCmd
}

func newNodesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				nodes, err := client.Nodes(cmd.Context())
				if err != nil {
					return err
				}
				if len(nodes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No nodes registered")
					return nil
				}
				rows := make([][]string, 0, len(nodes))
				for _, node := range nodes {
					rows = append(rows, []string{
						shortUID(node.UID),
						node.Name,
						yesNo(node.Enabled),
						capabilitySummary(node),
						fmt.Sprintf("%d", node.RunnerSlots),
						node.Version,
						formatTimePtr(node.LastSeen),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"UID", "Name", "Enabled", "Capabilities", "Slots", "Version", "Last Seen"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newNodesClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <node-uid>",
		Short: "Drop a node's runners and requeue their files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				dropped, err := client.ClearNode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d runners\n", dropped)
				return nil
			})
		},
	}
}

func capabilitySummary(node api.NodeView) string {
	switch node.CapabilityMode {
	case "only":
		return "only: " + strings.Join(node.CapabilityLibraries, ", ")
	case "all_except":
		return "all except: " + strings.Join(node.CapabilityLibraries, ", ")
	default:
		return "all"
	}
}
