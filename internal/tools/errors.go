package tools

import "fmt"

// DispatchError reports a failure to route a tool call at all, as
// opposed to a tool that ran and failed.
type DispatchError struct {
	Tool   string
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %s", e.Tool, e.Reason)
}

// Question is what askuser-ask_question wants to put in front of the
// user.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// UserInteractionError is the distinguished signal raised instead of a
// result when a tool needs a real user answer. The scheduler catches it
// and defers to the UI callback; the answer becomes the tool's result.
type UserInteractionError struct {
	Question Question
}

func (e *UserInteractionError) Error() string {
	return "tool requires user interaction: " + e.Question.Question
}
