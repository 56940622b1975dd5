// Package dashboard implements the kernel side of the Dashboard
// Contract: a bounded-interval poller producing read-only snapshots of
// the state store and token meter, and the single writer path that
// resolves a pending decision. Rendering is out of scope; the types
// here are the interface a terminal dashboard consumes.
//
// A supplementary websocket hub pushes each fresh snapshot so an
// interactive renderer can redraw promptly. The push is additive only —
// polling remains the contractual mechanism and no reader may rely on
// the push channel exclusively.
package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/store"
)

// PollInterval is the bounded interval the contract specifies.
const PollInterval = 2 * time.Second

// Snapshot is one consistent read of everything the dashboard renders.
type Snapshot struct {
	TakenAt   time.Time              `json:"taken_at"`
	Agents    []*model.Agent         `json:"agents"`
	Messages  []*model.Message       `json:"messages"`
	Decisions []*model.Decision      `json:"decisions"`
	Usage     map[string]model.Usage `json:"usage"`
}

// Answerer is the dashboard's single writer into the kernel: resolving
// a queued decision. The bus server implements it.
type Answerer interface {
	AnswerDecision(id, answer string) (*model.Decision, error)
}

// Poller reads the store and meter at PollInterval and hands each
// snapshot to the hub (if any).
type Poller struct {
	store *store.Store
	meter *meter.Meter
	hub   *Hub
	log   *logger.Logger
}

// NewPoller creates a Poller. hub may be nil for poll-only consumers.
func NewPoller(st *store.Store, mtr *meter.Meter, hub *Hub, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Default()
	}
	return &Poller{
		store: st,
		meter: mtr,
		hub:   hub,
		log:   log.WithFields(zap.String("component", "dashboard-poller")),
	}
}

// Snapshot takes one consistent read right now.
func (p *Poller) Snapshot() Snapshot {
	agents := p.store.ListAgents()
	usage := make(map[string]model.Usage, len(agents))
	for _, a := range agents {
		if u, ok := p.meter.Usage(a.ID); ok {
			usage[a.ID] = u
		} else {
			usage[a.ID] = a.Usage
		}
	}
	return Snapshot{
		TakenAt:   time.Now().UTC(),
		Agents:    agents,
		Messages:  p.store.ListMessages(),
		Decisions: p.store.PendingDecisions(),
		Usage:     usage,
	}
}

// Run polls until ctx is cancelled, pushing each snapshot to the hub.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Snapshot()
			if p.hub != nil {
				p.hub.Broadcast(snap)
			}
		}
	}
}
