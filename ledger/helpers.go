package ledger

import (
	"time"

	"github.com/entityflow/entitycore/message"
)

// UpdateMessageWithState is a pure helper: it returns a copy of msg with
// its metadata stamped to reflect a state change, leaving msg itself
// untouched.
func UpdateMessageWithState(msg message.Message, state string) message.Message {
	out := msg
	out.Metadata = make(map[string]interface{}, len(msg.Metadata)+3)
	for k, v := range msg.Metadata {
		out.Metadata[k] = v
	}

	if prev, ok := msg.Metadata["current_state"]; ok {
		out.Metadata["previous_state"] = prev
	}
	out.Metadata["current_state"] = state
	out.Metadata["state_changed_at"] = time.Now().UTC()
	return out
}
