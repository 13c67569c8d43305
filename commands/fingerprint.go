package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/crypto"
)

func fingerprintCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint [user-id]",
		Short: "Print your key fingerprint, or the published fingerprint of a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				client, err := a.relayClient(cmd.Context())
				if err != nil {
					return err
				}
				identity, err := client.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s\n", identity.ID, crypto.FormatFingerprint(identity.Fingerprint))
				return nil
			}

			keys, err := a.keyService()
			if err != nil {
				return err
			}
			private, err := keys.LoadPrivate()
			if err != nil {
				return err
			}
			fingerprint, err := crypto.KeyFingerprint(&private.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Fingerprint: %s\n", crypto.FormatFingerprint(fingerprint))
			return nil
		},
	}
	return cmd
}
