package types

// Tier is a discrete severity bucket derived from context usage percentage.
type Tier string

const (
	TierHealthy  Tier = "healthy"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// TierFor classifies a usage percentage: <70 healthy, 70-84 warning,
// >=85 critical.
func TierFor(percentage float64) Tier {
	switch {
	case percentage >= 85:
		return TierCritical
	case percentage >= 70:
		return TierWarning
	default:
		return TierHealthy
	}
}

// UsageSnapshot is the token-usage readout for a conversation. Derived,
// never persisted locally; always recomputable from the backend.
type UsageSnapshot struct {
	ChatID          string  `json:"chat_id"`
	Model           string  `json:"model"`
	Percentage      float64 `json:"usage_percentage"`
	TokensUsed      int64   `json:"total_tokens"`
	ContextWindow   int64   `json:"context_window"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	ReasoningTokens int64   `json:"reasoning_tokens"`
	CacheReadTokens int64   `json:"cache_read_tokens"`
	CostUSD         float64 `json:"total_cost_usd"`
	UserMessages    int     `json:"user_message_count"`
	AssistMessages  int     `json:"assistant_message_count"`

	Compaction CompactionStatus `json:"compaction_status"`
}

// Tier returns the severity bucket for this snapshot.
func (u *UsageSnapshot) Tier() Tier { return TierFor(u.Percentage) }

// CompactionStatus describes how much of the history has been collapsed
// into a checkpoint summary.
type CompactionStatus struct {
	SummaryExists      bool   `json:"summary_exists"`
	MessagesSummarized int    `json:"messages_summarized"`
	MessagesVerbatim   int    `json:"messages_verbatim"`
	SummaryVersion     int    `json:"summary_version"`
	LastCompactedAt    string `json:"last_compacted_at,omitempty"`
}
