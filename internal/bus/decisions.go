package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/store"
)

// ShutdownAnswer is the synthetic answer every outstanding escalation
// receives when the kernel shuts down, so no tool call is left hanging.
const ShutdownAnswer = "shutdown"

// waiter is the one-shot completion a blocked escalate_to_user call
// parks on; the dashboard resolves it via AnswerDecision.
type waiter struct {
	done chan string
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{done: make(chan string, 1)}
}

func (w *waiter) resolve(answer string) {
	w.once.Do(func() {
		w.done <- answer
	})
}

// decisionHub tracks the in-flight waiters for pending decisions,
// separate from the durable Decision records the Store owns.
type decisionHub struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newDecisionHub() *decisionHub {
	return &decisionHub{waiters: make(map[string]*waiter)}
}

func (h *decisionHub) register(id string) *waiter {
	w := newWaiter()
	h.mu.Lock()
	h.waiters[id] = w
	h.mu.Unlock()
	return w
}

func (h *decisionHub) resolve(id, answer string) bool {
	h.mu.Lock()
	w, ok := h.waiters[id]
	h.mu.Unlock()
	if !ok {
		return false
	}
	w.resolve(answer)
	return true
}

// resolveAll resolves every outstanding waiter with ShutdownAnswer, so
// a shutdown drains the reactor cleanly even with escalations in flight.
func (h *decisionHub) resolveAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.waiters {
		w.resolve(ShutdownAnswer)
	}
}

func (h *decisionHub) forget(id string) {
	h.mu.Lock()
	delete(h.waiters, id)
	h.mu.Unlock()
}

// escalate queues a pending decision and blocks until it is answered,
// the context is cancelled, or shutdown resolves every waiter.
func escalate(ctx context.Context, st *store.Store, hub *decisionHub, req EscalateRequest) (EscalateResult, error) {
	id := uuid.NewString()
	if _, err := st.QueueDecision(id, req.Question, req.Options); err != nil {
		return EscalateResult{}, apperrors.InternalError("queueing decision", err)
	}

	w := hub.register(id)
	defer hub.forget(id)

	select {
	case answer := <-w.done:
		if _, err := st.AnswerDecision(id, answer); err != nil {
			return EscalateResult{}, apperrors.InternalError("recording decision answer", err)
		}
		return EscalateResult{Answer: answer}, nil
	case <-ctx.Done():
		return EscalateResult{}, apperrors.Timeout("escalate_to_user")
	}
}

// Escalate queues a decision on behalf of the orchestrator itself (e.g.
// the skip-permissions gate on a spawn request) and blocks until the
// dashboard answers it, using the same waiter machinery as the
// escalate_to_user tool.
func (s *Server) Escalate(ctx context.Context, question string, options []string) (string, error) {
	res, err := escalate(ctx, s.store, s.hub, EscalateRequest{Question: question, Options: options})
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

// AnswerDecision resolves a pending decision, unblocking the matching
// escalate_to_user call. Idempotent: a second answer to an
// already-resolved id is a no-op (the store enforces this); if no
// in-flight waiter exists (e.g. the process restarted), the store is
// still updated so the persisted record reflects the answer.
func (s *Server) AnswerDecision(id, answer string) (*model.Decision, error) {
	s.hub.resolve(id, answer)
	return s.store.AnswerDecision(id, answer)
}

// PendingDecisions exposes the store's pending-decision list for the
// Dashboard Contract.
func (s *Server) PendingDecisions() []*model.Decision {
	return s.store.PendingDecisions()
}
