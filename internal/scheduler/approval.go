package scheduler

import (
	"context"
	"sync"

	"github.com/snowcoder/snow/internal/tools"
	"github.com/snowcoder/snow/pkg/models"
)

// DecisionKind is the user's verdict on a confirmation request.
type DecisionKind string

const (
	DecisionApprove       DecisionKind = "approve"
	DecisionApproveAlways DecisionKind = "approve_always"
	DecisionReject        DecisionKind = "reject"
	DecisionRejectReply   DecisionKind = "reject_with_reply"
)

// Decision carries the verdict plus the reply text for
// reject_with_reply, which the model receives as the tool's error
// message.
type Decision struct {
	Kind  DecisionKind
	Reply string
}

// ConfirmationRequest is handed to the UI callback when a tool call
// needs the user's consent. Siblings are the other calls in the same
// batch, for context. IsSensitive marks calls matching the
// sensitive-commands patterns; those ask even when the tool was
// previously always-approved.
type ConfirmationRequest struct {
	Call        models.ToolCall
	Siblings    []models.ToolCall
	IsSensitive bool
}

// ConfirmFunc blocks until the user answers a confirmation request.
type ConfirmFunc func(ctx context.Context, req ConfirmationRequest) (Decision, error)

// QuestionFunc blocks until the user answers an askuser question. The
// answer becomes the tool's response.
type QuestionFunc func(ctx context.Context, q tools.Question) (string, error)

// Approvals tracks which tools may run without asking. The root scope
// holds the session's always-approved set plus anything granted this
// run; Child builds a sub-agent scope whose grants take effect for the
// sub-agent's remaining calls without leaking into the parent.
type Approvals struct {
	mu      sync.Mutex
	yolo    bool
	granted map[string]struct{}
	parent  *Approvals
	onGrant func(name string)
}

// NewApprovals builds the root scope. initial is the session's
// persisted always-approved list; onGrant, if non-nil, is invoked for
// every new root-level grant so the caller can persist it.
func NewApprovals(yolo bool, initial []string, onGrant func(name string)) *Approvals {
	a := &Approvals{
		yolo:    yolo,
		granted: make(map[string]struct{}, len(initial)),
		onGrant: onGrant,
	}
	for _, name := range initial {
		a.granted[tools.NormalizeName(name)] = struct{}{}
	}
	return a
}

// Child returns a scope layered on a: lookups fall through to the
// parent, grants stay local.
func (a *Approvals) Child() *Approvals {
	return &Approvals{
		granted: make(map[string]struct{}),
		parent:  a,
	}
}

// Approved reports whether name may run without confirmation.
func (a *Approvals) Approved(name string) bool {
	name = tools.NormalizeName(name)
	for s := a; s != nil; s = s.parent {
		s.mu.Lock()
		_, ok := s.granted[name]
		yolo := s.yolo
		s.mu.Unlock()
		if ok || yolo {
			return true
		}
	}
	return false
}

// Grant adds name to this scope's set.
func (a *Approvals) Grant(name string) {
	name = tools.NormalizeName(name)
	a.mu.Lock()
	_, existed := a.granted[name]
	a.granted[name] = struct{}{}
	onGrant := a.onGrant
	a.mu.Unlock()
	if !existed && onGrant != nil {
		onGrant(name)
	}
}
