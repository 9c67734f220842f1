package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"chat-sync/client/chat"

	"github.com/spf13/cobra"
)

func newConversationsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List your conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			list, err := svc.LoadConversations(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUPDATED\tWITH")
			for _, c := range list {
				peer := c.Peer.DisplayName
				if !c.PeerKnown {
					peer += " (unknown)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), peer)
			}
			return w.Flush()
		},
	}
}

func newOpenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <user-id>",
		Short: "Find or start the direct conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := svc.StartOrGetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newTailCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print a conversation and follow new messages until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			v, err := svc.Open(ctx, args[0])
			if err != nil {
				return err
			}
			defer v.Close()
			return tail(ctx, v, cmd.OutOrStdout())
		},
	}
}

// tail prints confirmed messages as they arrive until ctx ends or the view
// is closed.
func tail(ctx context.Context, v *chat.View, w io.Writer) error {
	printed := make(map[string]bool)
	flush := func() {
		for _, e := range v.Messages() {
			if e.Pending || printed[e.ID] {
				continue
			}
			printed[e.ID] = true
			fmt.Fprintf(w, "[%s] %s: %s\n", e.CreatedAt.Local().Format(time.TimeOnly), e.SenderID, e.Content)
		}
	}
	flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-v.Changes():
			if !ok {
				return nil
			}
			flush()
			if v.Status() == chat.StatusFailed {
				fmt.Fprintf(w, "! %v\n", v.Err())
			}
		}
	}
}

func newSendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			v, err := svc.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer v.Close()

			m, err := v.SendMessage(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			return nil
		},
	}
}

func newFollowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "follow <user-id>",
		Short: "Toggle following a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			if _, err := svc.FollowState(cmd.Context(), args[0]); err != nil {
				return err
			}
			st, err := svc.ToggleFollow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			verb := "not following"
			if st.Following {
				verb = "following"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d followers)\n", verb, args[0], st.Followers)
			return nil
		},
	}
}
