package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/basinhq/basin/internal/api"
	"github.com/basinhq/basin/internal/chat"
	"github.com/basinhq/basin/internal/event"
	"github.com/basinhq/basin/pkg/types"
)

var (
	runChat   string
	runModel  string
	runScript string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Send a prompt and stream the assistant's reply",
	Long: `Send one or more prompts to the workspace assistant and stream the
reply to the terminal.

Examples:
  basin-chat run "What did I write about Lisbon?"
  basin-chat run --chat 01HXYZ... "And the year before?"
  basin-chat run --script prompts.yaml`,
	RunE: runChatSession,
}

func init() {
	runCmd.Flags().StringVarP(&runChat, "chat", "c", "", "Existing conversation ID (empty starts a new one)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().StringVar(&runScript, "script", "", "YAML file with a prompts list to send in order")
}

// promptScript is the --script file shape.
type promptScript struct {
	Prompts []string `yaml:"prompts"`
}

func runChatSession(cmd *cobra.Command, args []string) error {
	prompts, err := collectPrompts(args)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		return fmt.Errorf("message required. Usage: basin-chat run \"your message\"")
	}

	model := cfg.Model
	if runModel != "" {
		model = runModel
	}

	client := api.NewClient(cfg.BackendURL,
		api.WithToken(cfg.APIToken),
		api.WithTimeout(cfg.RequestTimeout()))

	bus := event.NewBus()
	defer bus.Close()

	coordinator := chat.NewCoordinator(chat.CoordinatorConfig{
		Pool:          chat.NewPool(),
		Client:        client,
		Bus:           bus,
		Model:         model,
		StreamTimeout: cfg.StreamTimeout(),
	})
	defer coordinator.Deactivate()

	ctx := cmd.Context()
	session, err := coordinator.Activate(ctx, runChat)
	if err != nil {
		return err
	}

	printTranscript(session.Messages())
	attachPrinter(bus)

	done := make(chan string, 8)
	bus.Subscribe(event.SessionStatus, func(ev event.Event) {
		data := ev.Data.(event.SessionStatusData)
		if data.Status == string(chat.StatusReady) || data.Status == string(chat.StatusError) {
			done <- data.Status
		}
	})

	for _, prompt := range prompts {
		fmt.Printf("\n%s %s\n", roleStyle.Render("you:"), prompt)
		fmt.Printf("%s ", roleStyle.Render("assistant:"))

		if err := session.Submit(ctx, prompt); err != nil {
			return err
		}

		select {
		case status := <-done:
			fmt.Println()
			if status == string(chat.StatusError) {
				fmt.Println(errorStyle.Render("error: " + session.LastError().Error()))
				return session.LastError()
			}
		case <-ctx.Done():
			session.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func collectPrompts(args []string) ([]string, error) {
	if runScript == "" {
		if msg := strings.Join(args, " "); msg != "" {
			return []string{msg}, nil
		}
		return nil, nil
	}

	data, err := os.ReadFile(runScript)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var script promptScript
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return script.Prompts, nil
}

// attachPrinter streams part updates to stdout as they arrive.
func attachPrinter(bus *event.Bus) {
	bus.Subscribe(event.PartUpdated, func(ev event.Event) {
		data := ev.Data.(event.PartUpdatedData)
		switch part := data.Part.(type) {
		case *types.TextPart:
			if data.Delta != "" {
				fmt.Print(data.Delta)
			}
		case *types.ReasoningPart:
			if data.Delta != "" {
				fmt.Print(reasoningStyle.Render(data.Delta))
			}
		case *types.ToolPart:
			switch part.State {
			case types.ToolPending:
				fmt.Printf("\n%s\n", toolStyle.Render("[tool: "+part.Name+"]"))
			case types.ToolComplete:
				fmt.Printf("%s\n", toolStyle.Render("[tool "+part.Name+" done]"))
			case types.ToolError:
				fmt.Printf("%s\n", errorStyle.Render("[tool "+part.Name+" blocked]"))
			}
		}
	})

	bus.Subscribe(event.PermissionRequired, func(ev event.Event) {
		data := ev.Data.(event.PermissionRequiredData)
		fmt.Printf("\n%s\n", errorStyle.Render(fmt.Sprintf(
			"permission needed to edit %s %q — grant it in the workspace and retry",
			data.Grant.ResourceType, data.Grant.Title)))
	})
}

func printTranscript(messages []types.Message) {
	if len(messages) == 0 {
		return
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("-- %d earlier messages --", len(messages))))
	for _, msg := range messages {
		if msg.IsCheckpoint() {
			fmt.Println(dimStyle.Render("[checkpoint: earlier history summarized]"))
			continue
		}
		if text := msg.Text(); text != "" {
			fmt.Printf("%s %s\n", roleStyle.Render(msg.Role+":"), text)
		}
	}
}
