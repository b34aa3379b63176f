package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basinhq/basin/internal/api"
)

var usageCmd = &cobra.Command{
	Use:   "usage <chat-id>",
	Short: "Show context-window usage for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(cfg.BackendURL,
			api.WithToken(cfg.APIToken),
			api.WithTimeout(cfg.RequestTimeout()))

		snapshot, err := client.Usage(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Print(renderUsage(snapshot))
		return nil
	},
}
