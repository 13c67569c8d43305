package commands

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"sealchat/relay"
)

func serveCmd(a *app) *cobra.Command {
	var (
		listen    string
		advertise bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay for the LAN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.ListenAddress
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Relay ID:        %s\n", a.cfg.DeviceID)
			fmt.Fprintf(out, "Database File:   %s\n", a.cfg.RelayDatabasePath)

			return relay.Run(cmd.Context(), relay.Config{
				RelayID:       a.cfg.DeviceID,
				ListenAddress: listen,
				DatabasePath:  a.cfg.RelayDatabasePath,
				Advertise:     advertise,
				Ready: func(addr net.Addr) {
					fmt.Fprintf(out, "Listening:       %s\n", addr)
					fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
				},
			}, a.log.Named("relay"))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: config listen_address)")
	cmd.Flags().BoolVar(&advertise, "advertise", true, "advertise the relay via mDNS")
	return cmd
}
