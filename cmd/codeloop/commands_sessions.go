package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/martinemde/codeloop/sessionlog"
)

func buildSessionsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and fork session logs",
	}
	cmd.AddCommand(
		buildSessionsListCmd(g),
		buildSessionsShowCmd(g),
		buildSessionsForkCmd(g),
	)
	return cmd
}

func buildSessionsListCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions of the current directory, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			dir := ""
			if !all {
				if dir, err = os.Getwd(); err != nil {
					return err
				}
			}
			sessions, err := a.store.List(cmd.Context(), dir)
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List sessions of every directory")
	return cmd
}

func printSessions(w io.Writer, sessions []sessionlog.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTURNS\tDIRECTORY\tFORKED FROM")
	for _, s := range sessions {
		forked := ""
		if s.ForkedFrom != nil {
			forked = s.ForkedFrom.SessionID + "@" + s.ForkedFrom.RecordID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.TurnCount, s.WorkingDir, forked)
	}
	return tw.Flush()
}

func buildSessionsShowCmd(g *globalFlags) *cobra.Command {
	var leaf string
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the conversation ending at the head (or --leaf)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			records, err := a.store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			chain, err := sessionlog.Chain(records, leaf)
			if err != nil {
				return err
			}
			for _, rec := range chain {
				fmt.Fprintln(cmd.OutOrStdout(), describeRecord(rec))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&leaf, "leaf", "", "Record ID to show the branch of")
	return cmd
}

// describeRecord renders one record as a single summary line.
func describeRecord(rec sessionlog.Record) string {
	prefix := fmt.Sprintf("%s %-9s", rec.ID, rec.Role)
	switch {
	case rec.IsMarker():
		return fmt.Sprintf("%s [%s] %s", prefix, rec.Content.Stop, rec.Content.Reason)
	case rec.Content.ToolResult != nil:
		tr := rec.Content.ToolResult
		return fmt.Sprintf("%s %s -> %s", prefix, tr.Tool, tr.Kind)
	case len(rec.Content.ToolCalls) > 0:
		names := make([]string, len(rec.Content.ToolCalls))
		for i, tc := range rec.Content.ToolCalls {
			names[i] = tc.Name
		}
		text := oneLine(rec.Content.Text)
		if text != "" {
			text += " "
		}
		return fmt.Sprintf("%s %scalls %s", prefix, text, strings.Join(names, ", "))
	default:
		return fmt.Sprintf("%s %s", prefix, oneLine(rec.Content.Text))
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 100 {
		return s[:97] + "..."
	}
	return s
}

func buildSessionsForkCmd(g *globalFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "fork <session-id>",
		Short: "Copy a session, up to --at, into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			sess, err := a.store.Fork(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Last record to copy (default: the whole log)")
	return cmd
}
