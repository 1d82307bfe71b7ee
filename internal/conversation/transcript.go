package conversation

// Role tags the speaker of a transcript turn.
type Role string

const (
	RoleCounterparty Role = "counterparty"
	RoleAgent        Role = "agent"
)

// Turn is one line of a conversation.
type Turn struct {
	Role Role
	Text string
}

// Transcript is the in-memory, append-only log of one conversation. It is
// owned by the orchestrator and not persisted.
type Transcript struct {
	turns []Turn
}

func (t *Transcript) Append(role Role, text string) {
	t.turns = append(t.turns, Turn{Role: role, Text: text})
}

// Turns returns a copy of the log.
func (t *Transcript) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Transcript) Len() int { return len(t.turns) }

// LastFrom returns the most recent text spoken by role.
func (t *Transcript) LastFrom(role Role) (string, bool) {
	for i := len(t.turns) - 1; i >= 0; i-- {
		if t.turns[i].Role == role {
			return t.turns[i].Text, true
		}
	}
	return "", false
}

// Messages maps the transcript onto LLM chat roles.
func (t *Transcript) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(t.turns))
	for _, turn := range t.turns {
		role := ChatRoleUser
		if turn.Role == RoleAgent {
			role = ChatRoleAssistant
		}
		out = append(out, ChatMessage{Role: role, Content: turn.Text})
	}
	return out
}
