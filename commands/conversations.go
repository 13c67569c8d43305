package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func conversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations <peer>...",
		Short: "Show the latest message with each peer, newest first",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			summaries, err := session.Conversations(cmd.Context(), args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "no conversations")
				return nil
			}
			for _, summary := range summaries {
				fmt.Fprintf(out, "%-16s %s\n", summary.PeerID, formatMessage(summary.Last))
			}
			return nil
		},
	}
	return cmd
}
