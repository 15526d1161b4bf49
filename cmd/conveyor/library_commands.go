package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

func newLibrariesCommand(ctx *commandContext) *cobra.Command {
	librariesCmd := &cobra.Command{
		Use:   "libraries",
		Short: "Inspect and manage libraries",
	}

	librariesCmd.AddCommand(newLibrariesListCommand(ctx))
	librariesCmd.AddCommand(newLibrariesAddCommand(ctx))
	librariesCmd.AddCommand(newLibrariesRemoveCommand(ctx))

	return librariesCmd
}

func newLibrariesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured libraries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				libraries, err := client.Libraries(cmd.Context())
				if err != nil {
					return err
				}
				if len(libraries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No libraries configured")
					return nil
				}
				rows := make([][]string, 0, len(libraries))
				for _, lib := range libraries {
					rows = append(rows, []string{
						shortUID(lib.UID),
						lib.Name,
						yesNo(lib.Enabled),
						lib.Mode,
						fmt.Sprintf("%d", lib.Priority),
						formatTimePtr(lib.LastScanned),
						lib.Path,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"UID", "Name", "Enabled", "Mode", "Priority", "Last Scanned", "Path"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newLibrariesAddCommand(ctx *commandContext) *cobra.Command {
	var lib api.LibraryView
	var detectCreation, detectWrite, detectSize string

	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Create or update a library",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib.Name = args[0]
			lib.Path = args[1]
			var err error
			if lib.DetectCreation, err = parseRangeFlag(detectCreation); err != nil {
				return fmt.Errorf("--detect-creation: %w", err)
			}
			if lib.DetectWrite, err = parseRangeFlag(detectWrite); err != nil {
				return fmt.Errorf("--detect-write: %w", err)
			}
			if lib.DetectSize, err = parseRangeFlag(detectSize); err != nil {
				return fmt.Errorf("--detect-size: %w", err)
			}
			return ctx.withClient(func(client *api.Client) error {
				created, err := client.UpsertLibrary(cmd.Context(), lib)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Library %s saved (%s)\n", created.Name, created.UID)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&lib.Enabled, "enabled", true, "Enable the library")
	cmd.Flags().StringVar(&lib.Mode, "mode", "scan", "Discovery mode (scan or watch)")
	cmd.Flags().StringVar(&lib.FlowUID, "flow", "", "Flow to run for new files")
	cmd.Flags().StringVar(&lib.IncludeFilter, "include", "", "Regex a path must match")
	cmd.Flags().StringVar(&lib.ExcludeFilter, "exclude", "", "Regex that rejects a path")
	cmd.Flags().BoolVar(&lib.ExcludeHidden, "exclude-hidden", true, "Skip hidden files and directories")
	cmd.Flags().BoolVar(&lib.Fingerprinting, "fingerprinting", true, "Fingerprint files for duplicate detection")
	cmd.Flags().BoolVar(&lib.ReprocessRecreated, "reprocess-recreated", false, "Requeue files recreated with new content")
	cmd.Flags().BoolVar(&lib.UpdateMoved, "update-moved", false, "Adopt moved files in place instead of requeueing")
	cmd.Flags().BoolVar(&lib.Folders, "folders", false, "Treat top-level folders as queue entries")
	cmd.Flags().IntVar(&lib.WaitTimeSeconds, "wait", 0, "Seconds a folder must be quiet before ingestion")
	cmd.Flags().IntVar(&lib.HoldMinutes, "hold", 0, "Minutes to hold new entries before dispatch")
	cmd.Flags().IntVar(&lib.Priority, "priority", 0, "Dispatch priority (higher wins)")
	cmd.Flags().StringVar(&lib.Schedule, "schedule", "", "Weekly schedule bitstring")
	cmd.Flags().IntVar(&lib.ScanInterval, "scan-interval", 0, "Seconds between full scans")
	cmd.Flags().StringVar(&detectCreation, "detect-creation", "", "Creation-age gate in minutes, kind[:low[:high]] (e.g. greater_than:60)")
	cmd.Flags().StringVar(&detectWrite, "detect-write", "", "Write-age gate in minutes, kind[:low[:high]] (e.g. between:10:120)")
	cmd.Flags().StringVar(&detectSize, "detect-size", "", "Size gate in bytes, kind[:low[:high]] (e.g. less_than:1073741824)")
	return cmd
}

// parseRangeFlag interprets kind[:low[:high]]; an empty flag leaves the gate
// open.
func parseRangeFlag(value string) (api.RangeView, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return api.RangeView{}, nil
	}
	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return api.RangeView{}, fmt.Errorf("%q: want kind[:low[:high]]", value)
	}
	view := api.RangeView{Kind: parts[0]}
	bounds := []*int64{&view.Low, &view.High}
	for i, raw := range parts[1:] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return api.RangeView{}, fmt.Errorf("%q: bound %q is not a number", value, raw)
		}
		*bounds[i] = n
	}
	return view, nil
}

func newLibrariesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uid>",
		Short: "Delete a library and its queue entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.DeleteLibrary(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Library removed")
				return nil
			})
		},
	}
}
