package orchestration

import (
	"strings"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
)

const (
	// HandoffMetadataKey names the metadata field an agent sets to pass a task on
	HandoffMetadataKey = "handoff_to"

	// HandoffPrefix starts a reply that passes the task on, e.g. "HANDOFF:billing"
	HandoffPrefix = "HANDOFF:"

	maxAgentNameLength = 64
)

// extractHandoff reports whether msg asks to pass the task to another agent.
func extractHandoff(msg *agent.Message) (string, bool) {
	if msg == nil {
		return "", false
	}

	if raw, ok := msg.Metadata[HandoffMetadataKey]; ok {
		name, isString := raw.(string)
		if isString && isValidAgentName(strings.TrimSpace(name)) {
			return strings.TrimSpace(name), true
		}
		return "", false
	}

	content := strings.TrimSpace(msg.Content)
	if rest, found := strings.CutPrefix(content, HandoffPrefix); found {
		name := strings.TrimSpace(rest)
		if isValidAgentName(name) {
			return name, true
		}
	}
	return "", false
}

// isValidAgentName accepts names usable as an agent type, up to 64 characters.
func isValidAgentName(name string) bool {
	if name == "" || len(name) > maxAgentNameLength {
		return false
	}
	_, err := ident.NewAgentID(name, ident.DefaultKey)
	return err == nil
}
