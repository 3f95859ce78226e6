package trainer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"counselsim/internal/normalize"
	"counselsim/internal/session"
)

// TurnResult carries the independently settled outcomes of one turn. One
// side failing never discards the other side's success.
type TurnResult struct {
	Visitor    *normalize.VisitorResult
	VisitorErr error

	Supervisor    *normalize.SupervisorResult
	SupervisorErr error
}

// PlayTurn runs the visitor and supervisor calls for one counselor message
// concurrently and waits for both to settle. Session state is folded in
// only after both calls return, on the caller's goroutine, so a slow
// supervisor never races a fast visitor over the session.
func (t *Trainer) PlayTurn(ctx context.Context, text string, history []Message, chart *normalize.ChartData) TurnResult {
	var (
		wg sync.WaitGroup

		visitorRes  normalize.VisitorResult
		visitorConv string
		visitorErr  error

		supRes  normalize.SupervisorResult
		supConv string
		supErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		visitorRes, visitorConv, visitorErr = t.visitorExchange(ctx, text)
	}()
	go func() {
		defer wg.Done()
		supRes, supConv, supErr = t.supervisorExchange(ctx, text, history, chart)
	}()
	wg.Wait()

	var result TurnResult

	if visitorErr != nil {
		t.log.Error("visitor side of turn failed", zap.Error(visitorErr))
		result.VisitorErr = visitorErr
	} else {
		t.session.SetConversationID(session.RoleVisitor, visitorConv)
		result.Visitor = &visitorRes
	}

	if supErr != nil {
		t.log.Error("supervisor side of turn failed", zap.Error(supErr))
		result.SupervisorErr = supErr
	} else {
		t.foldSupervisor(supRes, supConv)
		result.Supervisor = &supRes
	}

	return result
}
