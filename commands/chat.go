package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sealchat/chat"
)

func chatCmd(a *app) *cobra.Command {
	var readOnly bool
	cmd := &cobra.Command{
		Use:   "chat <peer>",
		Short: "Open a live conversation; each input line is sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer := args[0]
			session, cleanup, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			view, err := session.Open(ctx, peer)
			if err != nil {
				return err
			}
			typing, err := session.WatchTyping(ctx, peer)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			lines := make(chan string)
			if !readOnly {
				go readLines(ctx, cmd.InOrStdin(), lines)
			}
			return runChat(ctx, a.log, session, peer, view, typing, lines, out)
		},
	}
	cmd.Flags().BoolVar(&readOnly, "watch", false, "only print the conversation")
	return cmd
}

func runChat(ctx context.Context, log *zap.Logger, session *chat.Session, peer string, view *chat.View, typing *chat.TypingView, lines <-chan string, out io.Writer) error {
	p := newPrinter(out)
	typingUpdates := typing.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-view.Updates():
			if !ok {
				return view.Err()
			}
			p.print(snapshot)
		case isTyping, ok := <-typingUpdates:
			if !ok {
				typingUpdates = nil
				continue
			}
			if isTyping {
				fmt.Fprintf(out, "%s is typing...\n", peer)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if _, err := session.Send(ctx, peer, chat.Outgoing{Text: line}); err != nil {
				log.Warn("send failed", zap.Error(err))
				fmt.Fprintf(out, "! not sent: %v\n", explainSendError(peer, err))
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
