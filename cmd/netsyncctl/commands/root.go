package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// api is the bridge REST client, initialized in PersistentPreRunE.
	api *bridgeClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the bridge address (host:port) for HTTP requests.
	serverAddr string
)

// rootCmd is the top-level cobra command for netsyncctl.
var rootCmd = &cobra.Command{
	Use:   "netsyncctl",
	Short: "CLI client for the netsyncd management bridge",
	Long:  "netsyncctl inspects rooms and preseeds network variables through the netsyncd REST bridge.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		api = newBridgeClient(serverAddr)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8800",
		"netsyncd bridge address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(roomsCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(globalsCmd())
	rootCmd.AddCommand(preseedCmd())
	rootCmd.AddCommand(unsetCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
