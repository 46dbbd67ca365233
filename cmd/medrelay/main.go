// MEDRELAY — cross-server trust and data-relay layer for the medical
// records platform.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medrelay-project/medrelay/cmd/medrelay/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medrelay",
		Short: "MEDRELAY — inter-server trust scoring and encrypted data relay",
		Long: `MEDRELAY is the trust and relay core shared by the hospital, company and
development server instances. It scores per-request trust across six
verification dimensions, relays encrypted payloads between servers over
HTTPS and a SIP-style datagram protocol, and tracks the staged
hospital -> admin -> tl -> analyst -> main assignment workflow.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterServeCommand(rootCmd)
	cli.RegisterRelayCommands(rootCmd)
	cli.RegisterStorageCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
