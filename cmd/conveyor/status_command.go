package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"conveyor/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
)

const (
	ansiReset  = "\x1b[0m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				renderStatus(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop handing out new work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Pause(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Work distribution paused")
				return nil
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume work distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if err := client.Resume(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Work distribution resumed")
				return nil
			})
		},
	}
}

func renderStatus(out io.Writer, status *api.StatusResponse) {
	colorize := shouldColorize(out)

	state := "running"
	kind := statusOK
	if status.Paused {
		state = "paused"
		kind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Daemon", kind, fmt.Sprintf("%s (pid %d)", state, status.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	fmt.Fprintln(out, renderStatusLine("Library workers", statusInfo, fmt.Sprintf("%d", status.LibraryWorkers), colorize))

	queue := status.Queue
	summary := fmt.Sprintf("%d total, %d waiting, %d processing, %d done, %d failed",
		queue.Total, queue.Unprocessed, queue.Processing, queue.Processed, queue.Failed)
	fmt.Fprintln(out, renderStatusLine("Queue", statusInfo, summary, colorize))

	if len(status.Runners) == 0 {
		fmt.Fprintln(out, renderStatusLine("Runners", statusInfo, "none active", colorize))
		return
	}
	rows := make([][]string, 0, len(status.Runners))
	for _, active := range status.Runners {
		rows = append(rows, []string{
			shortUID(active.UID),
			active.NodeName,
			shortUID(active.FileUID),
			active.StepName,
			fmt.Sprintf("%.0f%%", active.Percent),
			formatTime(active.LastUpdate),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Runner", "Node", "File", "Step", "Progress", "Last Update"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	line := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", strings.TrimSpace(message))
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + line + ansiReset
		}
	}
	return line
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
