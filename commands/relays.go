package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sealchat/discovery"
)

func relaysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "List relays advertised on the LAN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Scan(cmd.Context(), discovery.Config{})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(relays) == 0 {
				fmt.Fprintln(out, "no relays found")
				return nil
			}
			for _, relay := range relays {
				fmt.Fprintf(out, "%s  %s  v%d  %s\n", relay.RelayID, relay.URL(), relay.Version, relay.Name)
			}
			return nil
		},
	}
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print local configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			user := a.cfg.UserID
			if user == "" {
				user = "(not registered)"
			}
			relayURL := a.relayURL
			if relayURL == "" {
				relayURL = "(resolve via mDNS)"
			}
			fmt.Fprintf(out, "Device ID:       %s\n", a.cfg.DeviceID)
			fmt.Fprintf(out, "User ID:         %s\n", user)
			fmt.Fprintf(out, "Relay:           %s\n", relayURL)
			fmt.Fprintf(out, "Echo Policy:     %s\n", a.cfg.EchoPolicy)
			fmt.Fprintf(out, "Private Key:     %s\n", keyState(a))
			fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
			fmt.Fprintf(out, "Data Directory:  %s\n", a.dataDir)
			return nil
		},
	}
}

func keyState(a *app) string {
	keys, err := a.keyService()
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err)
	}
	present, err := keys.HasPrivate()
	switch {
	case err != nil:
		return fmt.Sprintf("unavailable (%v)", err)
	case present:
		return "present"
	default:
		return "missing"
	}
}
