// Package meter consumes the newline-delimited structured events an
// agent's AI CLI writes to its standard output, accumulates per-agent
// token usage, and multiplies usage deltas against a pricing.Table to
// produce a running cost.
package meter

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/pricing"
)

// Event is the subset of an agent's structured output line this meter
// cares about. Unknown "type" values are ignored, not treated as errors,
// since the AI CLI's event vocabulary is a superset of what feeds cost
// and activity tracking.
type Event struct {
	Type string `json:"type"`

	// assistant text events
	Text string `json:"text,omitempty"`

	// usage events
	InputTokens           int64 `json:"input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	CacheReadInputTokens  int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens   int64 `json:"cache_creation_input_tokens"`

	// result events
	SessionID string `json:"session_id"`
}

const (
	EventAssistant = "assistant"
	EventUsage     = "usage"
	EventResult    = "result"
)

// Observer receives meter notifications. Every method is invoked inside
// a recover()-guarded wrapper so a panicking subscriber cannot unwind
// into the stream-parsing goroutine.
type Observer interface {
	OnUsage(agentID string, usage model.Usage)
	OnAssistantText(agentID, text string)
	OnResult(agentID, resumeToken string)
}

// agentState is the running total for one agent, plus the model id used
// to look up its price (usage events carry no model id of their own).
type agentState struct {
	modelID string
	usage   model.Usage
}

// Meter accumulates per-agent usage and cost and fans out to Observers.
type Meter struct {
	mu        sync.Mutex
	pricing   *pricing.Table
	log       *logger.Logger
	agents    map[string]*agentState
	observers []Observer

	// ring is a bounded per-agent buffer of recent assistant text for
	// the activity view; assistant text is never part of the durable
	// message log.
	ring      map[string][]string
	ringLimit int
}

// New creates a Meter backed by table. A nil table uses pricing.Default().
func New(table *pricing.Table, log *logger.Logger) *Meter {
	if table == nil {
		table = pricing.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Meter{
		pricing:   table,
		log:       log.WithFields(zap.String("component", "token-meter")),
		agents:    make(map[string]*agentState),
		ring:      make(map[string][]string),
		ringLimit: 200,
	}
}

// Subscribe registers an Observer. It may be called while streams are
// being consumed; the new observer sees only events dispatched after it.
func (m *Meter) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// RegisterAgent associates agentID with the model id used to price its
// usage events, and resets its running totals.
func (m *Meter) RegisterAgent(agentID, modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = &agentState{modelID: modelID, usage: model.Usage{ModelID: modelID}}
}

// Usage returns a copy of the agent's running usage totals.
func (m *Meter) Usage(agentID string) (model.Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agentID]
	if !ok {
		return model.Usage{}, false
	}
	return st.usage, true
}

// ActivityLog returns the bounded recent assistant-text ring for agentID.
func (m *Meter) ActivityLog(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.ring[agentID]
	out := make([]string, len(buf))
	copy(out, buf)
	return out
}

// Consume reads NDJSON lines from r until EOF or an unrecoverable read
// error, routing each decoded event to the agent's running totals and
// to every subscribed Observer plus any call-scoped extra observers
// (e.g. the Session Supervisor's own resume-token listener, which needs
// to see only this one stream rather than every agent's). Must be
// called with agentID already registered via RegisterAgent. Returns on
// the first scanner error that isn't io.EOF; callers (the Session
// Supervisor) treat that as the stream ending.
func (m *Meter) Consume(agentID string, r io.Reader, extra ...Observer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			m.log.Warn("could not decode agent output line as event",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		m.handle(agentID, ev, extra)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (m *Meter) handle(agentID string, ev Event, extra []Observer) {
	switch ev.Type {
	case EventAssistant:
		m.mu.Lock()
		buf := append(m.ring[agentID], ev.Text)
		if len(buf) > m.ringLimit {
			buf = buf[len(buf)-m.ringLimit:]
		}
		m.ring[agentID] = buf
		m.mu.Unlock()
		m.notify(extra, func(o Observer) { o.OnAssistantText(agentID, ev.Text) })

	case EventUsage:
		usage, ok := m.applyUsage(agentID, ev)
		if !ok {
			return
		}
		m.notify(extra, func(o Observer) { o.OnUsage(agentID, usage) })

	case EventResult:
		m.notify(extra, func(o Observer) { o.OnResult(agentID, ev.SessionID) })

	default:
		// Unknown event types are part of the AI CLI's broader
		// vocabulary; the meter only cares about the three above.
	}
}

func (m *Meter) applyUsage(agentID string, ev Event) (model.Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.agents[agentID]
	if !ok {
		m.log.Warn("usage event for unregistered agent", zap.String("agent_id", agentID))
		return model.Usage{}, false
	}

	rate := m.pricing.Rate(st.modelID)
	st.usage.InputTokens += ev.InputTokens
	st.usage.OutputTokens += ev.OutputTokens
	st.usage.CacheReadTokens += ev.CacheReadInputTokens
	st.usage.CacheCreateTokens += ev.CacheCreationTokens
	st.usage.TurnCount++
	st.usage.CostUSD += pricing.Cost(rate, ev.InputTokens, ev.OutputTokens, ev.CacheReadInputTokens, ev.CacheCreationTokens)

	return st.usage, true
}

// notify invokes fn against every subscribed Observer plus any
// call-scoped extra observers, each inside a recover()-guarded wrapper
// so a panicking subscriber cannot unwind into the parser goroutine.
func (m *Meter) notify(extra []Observer, fn func(Observer)) {
	m.mu.Lock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	observers = append(observers, extra...)
	for _, o := range observers {
		m.safeCall(o, fn)
	}
}

func (m *Meter) safeCall(o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("token meter observer panicked, ignoring", zap.Any("recovered", r))
		}
	}()
	fn(o)
}
