package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sealchat/storage"
)

func eventsCmd(a *app) *cobra.Command {
	var (
		eventType string
		severity  string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List security events recorded on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.OpenPath(a.cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open local database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					a.log.Warn("close local database failed", zap.Error(err))
				}
			}()

			events, err := store.GetSecurityEvents(storage.SecurityEventFilter{
				EventType: eventType,
				Severity:  severity,
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "no security events")
				return nil
			}
			for _, event := range events {
				subject := "-"
				if event.SubjectID != nil {
					subject = *event.SubjectID
				}
				stamp := time.UnixMilli(event.Timestamp).Local().Format("2006-01-02 15:04:05")
				fmt.Fprintf(out, "[%s] %-8s %-22s %s %s\n", stamp, event.Severity, event.EventType, subject, event.Details)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&severity, "severity", "", "only events of this severity")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}
