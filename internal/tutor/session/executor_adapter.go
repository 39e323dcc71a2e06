package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/tutor-core/internal/tutor/executor"
)

// executorAdapter bridges an *executor.Executor (which delivers
// executor.Result) to the ToolSubmitter interface a Session depends on
// (which delivers plain arguments). Keeping the translation here, rather
// than inside the executor package, keeps the executor ignorant of the
// Session that happens to be driving it.
type executorAdapter struct {
	exec *executor.Executor
}

// NewExecutorAdapter wraps exec as a ToolSubmitter.
func NewExecutorAdapter(exec *executor.Executor) ToolSubmitter {
	return executorAdapter{exec: exec}
}

func (a executorAdapter) Submit(ctx context.Context, tool string, args json.RawMessage, deadline time.Duration, deliver func(token string, outcome Outcome, value json.RawMessage, err error)) (string, error) {
	return a.exec.Submit(ctx, tool, args, deadline, func(r executor.Result) {
		deliver(r.Token, translateOutcome(r.Outcome), r.Value, r.Err)
	})
}

func (a executorAdapter) Cancel(token string) {
	a.exec.Cancel(token)
}

func translateOutcome(o executor.Outcome) Outcome {
	switch o {
	case executor.OutcomeOK:
		return OutcomeOK
	case executor.OutcomeTimeout:
		return OutcomeTimeout
	case executor.OutcomeCancelled:
		return OutcomeCancelled
	default:
		return OutcomeErr
	}
}
