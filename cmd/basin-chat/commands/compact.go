package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/chat"
	"github.com/basinhq/basin/internal/event"
)

var compactForce bool

var compactCmd = &cobra.Command{
	Use:   "compact <chat-id>",
	Short: "Summarize a conversation's history prefix into a checkpoint",
	Long: `Ask the backend to compact the conversation. Compaction is allowed
once context usage reaches the warning tier; --force skips the check.
Summarization is lossy for the collapsed range.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(cfg.BackendURL,
			api.WithToken(cfg.APIToken),
			api.WithTimeout(cfg.RequestTimeout()))

		bus := event.NewBus()
		defer bus.Close()

		coordinator := chat.NewCoordinator(chat.CoordinatorConfig{
			Pool:          chat.NewPool(),
			Client:        client,
			Bus:           bus,
			StreamTimeout: cfg.StreamTimeout(),
		})
		defer coordinator.Deactivate()

		session, err := coordinator.Activate(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		compactor := chat.NewCompactor(client, bus)
		if err := compactor.Compact(cmd.Context(), session, compactForce); err != nil {
			if errors.Is(err, chat.ErrNotCompactable) {
				return fmt.Errorf("usage is below the warning tier; use --force to compact anyway")
			}
			return err
		}

		fmt.Printf("compacted; conversation now has %d messages\n", len(session.Messages()))
		if snapshot := session.Usage(); snapshot != nil {
			fmt.Print(renderUsage(snapshot))
		}
		return nil
	},
}

func init() {
	compactCmd.Flags().BoolVar(&compactForce, "force", false, "Compact even below the warning tier")
}
