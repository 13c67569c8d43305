package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/chat"
	"sealchat/models"
)

func sendCmd(a *app) *cobra.Command {
	var (
		attachment string
		kind       string
	)
	cmd := &cobra.Command{
		Use:   "send <peer> [message]",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := chat.Outgoing{}
			if len(args) == 2 {
				out.Text = args[1]
			}
			if attachment != "" {
				parsed, err := models.ParseAttachmentKind(kind)
				if err != nil {
					return err
				}
				out.Attachment = &models.Attachment{Ref: attachment, Kind: parsed}
			}

			session, cleanup, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			sent, err := session.Send(cmd.Context(), args[0], out)
			if err != nil {
				return explainSendError(args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", sent.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment reference to send instead of text")
	cmd.Flags().StringVar(&kind, "kind", string(models.AttachmentDocument), "attachment kind (image or document)")
	return cmd
}

func explainSendError(peer string, err error) error {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return fmt.Errorf("%q has not registered a key: %w", peer, err)
	case chat.IsRetryable(err):
		return fmt.Errorf("relay unavailable, message not sent; try again: %w", err)
	default:
		return err
	}
}
