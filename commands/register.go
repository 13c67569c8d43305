package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/chat"
	"sealchat/crypto"
)

func registerCmd(a *app) *cobra.Command {
	var (
		displayName string
		avatar      string
	)
	cmd := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Create a keypair and publish the public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.UserID != "" {
				return fmt.Errorf("already registered as %q; identities are immutable", a.cfg.UserID)
			}
			keys, err := a.keyService()
			if err != nil {
				return err
			}
			client, err := a.relayClient(cmd.Context())
			if err != nil {
				return err
			}

			identity, err := chat.Register(cmd.Context(), keys, client, chat.Registration{
				UserID:      args[0],
				DisplayName: displayName,
				AvatarRef:   avatar,
			}, a.log.Named("register"))
			if err != nil {
				return err
			}

			a.cfg.UserID = identity.ID
			a.cfg.DisplayName = identity.DisplayName
			a.cfg.RelayURL = client.BaseURL()
			if err := a.saveConfig(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered:      %s\n", identity.ID)
			fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(identity.Fingerprint))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "name shown to peers")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar reference")
	return cmd
}
