package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/m4xw311/acprelay/agent"
	"github.com/m4xw311/acprelay/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if store == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Sessions are kept in memory only; nothing is persisted.")
			return nil
		}
		defer store.Close()

		sessions, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		return renderSessions(cmd.OutOrStdout(), sessions)
	},
}

var (
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
)

func renderSessions(w io.Writer, sessions []*session.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	table := tablewriter.NewTable(w,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header([]string{"Session", "Mode", "Messages", "Cwd", "Updated"})
	for _, s := range sessions {
		mode := s.Mode.CurrentModeID
		if mode != agent.ModeCode {
			mode = yellow(mode)
		}
		if err := table.Append([]string{
			cyan(s.ID),
			mode,
			strconv.Itoa(len(s.Conversation)),
			s.Cwd(),
			s.UpdatedAt.Local().Format("2006-01-02 15:04"),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}
