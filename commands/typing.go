package commands

import (
	"github.com/spf13/cobra"
)

func typingCmd(a *app) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "typing <peer>",
		Short: "Signal that you are typing to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return session.Typing(cmd.Context(), args[0], !stop)
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "clear the typing signal")
	return cmd
}
