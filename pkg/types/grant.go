package types

// EditGrant records a permission allowing the assistant to modify one
// external resource (document, folder) within a conversation. Grants are
// additive for the lifetime of the conversation.
type EditGrant struct {
	ResourceType string `json:"entity_type"`
	ResourceID   string `json:"entity_id"`
	Title        string `json:"entity_title,omitempty"`
}

// Key identifies a grant within the ledger's set.
func (g EditGrant) Key() string {
	return g.ResourceType + ":" + g.ResourceID
}
