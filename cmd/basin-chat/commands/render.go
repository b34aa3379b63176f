package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/basinhq/basin/pkg/types"
)

var (
	roleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	reasoningStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Faint(true)

	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

func tierStyle(tier types.Tier) lipgloss.Style {
	switch tier {
	case types.TierCritical:
		return criticalStyle
	case types.TierWarning:
		return warningStyle
	default:
		return healthyStyle
	}
}

func renderUsage(snapshot *types.UsageSnapshot) string {
	style := tierStyle(snapshot.Tier())
	out := fmt.Sprintf("%s  %s\n",
		roleStyle.Render("context usage"),
		style.Render(fmt.Sprintf("%.1f%% (%s)", snapshot.Percentage, snapshot.Tier())))
	out += dimStyle.Render(fmt.Sprintf("tokens %d / %d", snapshot.TokensUsed, snapshot.ContextWindow))
	if snapshot.Compaction.SummaryExists {
		out += dimStyle.Render(fmt.Sprintf("  |  compacted v%d (%d messages summarized)",
			snapshot.Compaction.SummaryVersion, snapshot.Compaction.MessagesSummarized))
	}
	return out + "\n"
}
