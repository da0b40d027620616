package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snowcoder/snow/internal/tools"
)

type askQuestionArgs struct {
	Question string   `json:"question" jsonschema:"required,description=The question to put in front of the user"`
	Options  []string `json:"options" jsonschema:"required,description=At least two answer choices"`
}

// AskQuestion is the askuser-ask_question tool. It never produces a
// result itself: valid input raises the user-interaction signal and the
// scheduler obtains the real answer through the UI callback.
type AskQuestion struct{}

func NewAskQuestion() *AskQuestion { return &AskQuestion{} }

func (a *AskQuestion) Name() string { return "askuser-ask_question" }

func (a *AskQuestion) Description() string {
	return "Ask the user a multiple-choice question and wait for their answer. Use it when a decision genuinely needs user input."
}

func (a *AskQuestion) Schema() json.RawMessage { return ReflectSchema[askQuestionArgs]() }

func (a *AskQuestion) Execute(ctx context.Context, req tools.Request) (*tools.Result, error) {
	var args askQuestionArgs
	if err := DecodeArgs(req.Args, &args); err != nil {
		return nil, fmt.Errorf("invalid ask_question arguments: %w", err)
	}
	if args.Question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}
	if len(args.Options) < 2 {
		return nil, fmt.Errorf("options must list at least two choices, got %d", len(args.Options))
	}
	for i, opt := range args.Options {
		if opt == "" {
			return nil, fmt.Errorf("option %d is empty", i)
		}
	}
	return nil, &tools.UserInteractionError{Question: tools.Question{
		Question: args.Question,
		Options:  args.Options,
	}}
}
