package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pawcare/portal/internal/clientstate"
)

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email-or-username>",
		Short: "Log in and remember the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			token, user, err := c.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := clientstate.Update(opts.statePath, func(s *clientstate.State) {
				s.Server = c.BaseURL
				s.Token = token
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", user.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage chat sessions",
	}

	var page, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List chat sessions, most recent first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, total, err := opts.client().ListSessions(cmd.Context(), page, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTITLE\tSTATUS\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, s.Title, s.Status, s.UpdatedAt.Local().Format(time.DateTime))
			}
			fmt.Fprintf(tw, "\n%d of %d\n", len(sessions), total)
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&limit, "limit", 20, "page size")

	create := &cobra.Command{
		Use:   "create [title]",
		Short: "Start a new chat session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			s, err := opts.client().CreateSession(cmd.Context(), title)
			if err != nil {
				return err
			}
			if err := clientstate.Update(opts.statePath, func(st *clientstate.State) { st.LastSessionID = s.SessionID }); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.SessionID)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().DeleteSession(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func newMessagesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Read chat history",
	}
	var limit int
	var before string
	list := &cobra.Command{
		Use:   "list [session-id]",
		Short: "Print messages of a session, oldest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid := opts.state().LastSessionID
			if len(args) == 1 {
				sid = args[0]
			}
			if sid == "" {
				return errors.New("no session id given and none remembered")
			}
			page, err := opts.client().ListMessages(cmd.Context(), sid, limit, before)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := len(page.Messages) - 1; i >= 0; i-- {
				fmt.Fprintln(out, formatMessage(page.Messages[i]))
			}
			if page.NextBefore != "" && len(page.Messages) == limit {
				fmt.Fprintf(out, "-- older: --before %s\n", page.NextBefore)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "number of messages")
	list.Flags().StringVar(&before, "before", "", "message id cursor")
	cmd.AddCommand(list)
	return cmd
}
