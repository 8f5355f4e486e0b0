// chatrelay relays chat messages to a language model under a fixed credit
// budget.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Budgeted conversational relay between chats and a language model",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newLedgerCmd())
	return root
}
