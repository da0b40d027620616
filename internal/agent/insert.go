package agent

import "github.com/snowcoder/snow/pkg/models"

// insertionIndex returns the position at which a synthetic user message
// may be spliced in, at most fromEnd messages from the tail. A position
// inside a tool-call block (an assistant message with tool_calls
// followed by its tool responses) is moved to the head of that block so
// the pairing is never split.
func insertionIndex(msgs []models.Message, fromEnd int) int {
	pos := len(msgs) - fromEnd
	if pos < 0 {
		pos = 0
	}
	if pos > len(msgs) {
		pos = len(msgs)
	}
	for pos > 0 && pos < len(msgs) && msgs[pos].Role == models.RoleTool {
		pos--
	}
	return pos
}

// insertMessage splices m into msgs at the block-safe position fromEnd
// messages from the tail.
func insertMessage(msgs []models.Message, fromEnd int, m models.Message) []models.Message {
	pos := insertionIndex(msgs, fromEnd)
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, msgs[:pos]...)
	out = append(out, m)
	out = append(out, msgs[pos:]...)
	return out
}
