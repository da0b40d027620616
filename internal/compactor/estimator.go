// Package compactor shrinks long conversations back under the model's
// context ceiling by summarizing a prefix of the history and splicing
// the summary in as a single assistant message.
package compactor

import "github.com/snowcoder/snow/pkg/models"

// CharsPerToken is the character-to-token ratio the estimator assumes.
// It overestimates for code-heavy content, which errs toward compacting
// early rather than overflowing the provider.
const CharsPerToken = 4

// attachmentTokens is the flat weight charged per inline attachment.
const attachmentTokens = 1000

// EstimateMessage estimates the token cost of one message.
func EstimateMessage(msg models.Message) int {
	chars := len(msg.Content) + len(msg.Thinking)
	for _, call := range msg.ToolCalls {
		chars += len(call.Name) + len(call.Input)
	}
	tokens := (chars + CharsPerToken - 1) / CharsPerToken
	tokens += len(msg.Attachments) * attachmentTokens
	return tokens
}

// EstimateMessages estimates the total token cost of a message list.
func EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessage(msg)
	}
	return total
}
