// Package store implements the harness's single-writer, file-backed
// state store: the durable registry of agents, messages, tasks, and
// pending decisions.
//
// All mutations serialize behind one mutex; readers copy out snapshots
// and never hold the lock across I/O. Every mutation of a persisted
// partition is followed by a temp-file-then-rename flush of it (the
// project context set by SetProject is held in memory only), so a
// reader can never observe a half-written file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/model"
)

// Store is the in-memory aggregate, partitioned by kind, with an
// on-disk mirror under dir. All mutating operations take mu; readers
// copy out from under the lock and never hold it across I/O.
type Store struct {
	mu  sync.Mutex
	dir string
	log *logger.Logger

	project *model.Project

	agents   map[string]*model.Agent
	messages []*model.Message
	nextMsg  int64
	decisions map[string]*model.Decision
	tasks    map[string]*model.Task

	leadCursor int64
}

// New creates a Store rooted at dir, creating the directory if needed.
// It does not load prior state; call Load for that.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		dir:       dir,
		log:       log.WithFields(zap.String("component", "state-store")),
		agents:    make(map[string]*model.Agent),
		decisions: make(map[string]*model.Decision),
		tasks:     make(map[string]*model.Task),
	}, nil
}

// SetProject installs the immutable project context for this run.
func (s *Store) SetProject(p *model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.project = p
}

// Project returns the current project context, or nil if unset.
func (s *Store) Project() *model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return nil
	}
	cp := *s.project
	return &cp
}

// --- agents ---------------------------------------------------------

// RegisterAgent enforces the identifier-uniqueness invariant and inserts
// the record.
func (s *Store) RegisterAgent(a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("agent id %q already registered", a.ID)
	}
	if a.ContainerName != "" && a.ProcessID != 0 {
		return fmt.Errorf("agent %q may not set both process id and container name", a.ID)
	}
	cp := *a
	s.agents[a.ID] = &cp
	return s.flushAgentsLocked()
}

// AgentPatch carries the subset of Agent fields update_agent may change.
// A nil pointer field leaves that field untouched.
type AgentPatch struct {
	Status          *model.AgentStatus
	Task            *string
	ResumeToken     *string
	ProcessID       *int
	ContainerName   *string
	Usage           *model.Usage
	SessionContext  *model.SessionContext
}

// UpdateAgent applies patch to the named agent, validating any status
// transition against the closed enum before mutating.
func (s *Store) UpdateAgent(id string, patch AgentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[id]
	if !exists {
		return fmt.Errorf("agent %q not found", id)
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return apperrors.InvalidStatus(string(*patch.Status))
		}
		a.Status = *patch.Status
	}
	if patch.Task != nil {
		a.Task = *patch.Task
	}
	if patch.ResumeToken != nil {
		a.ResumeToken = *patch.ResumeToken
	}
	if patch.ProcessID != nil {
		a.ProcessID = *patch.ProcessID
	}
	if patch.ContainerName != nil {
		a.ContainerName = *patch.ContainerName
	}
	if patch.Usage != nil {
		a.Usage = *patch.Usage
	}
	if patch.SessionContext != nil {
		a.SessionContext = patch.SessionContext
	}
	return s.flushAgentsLocked()
}

// RemoveAgent deletes the agent record. It does not touch the filesystem
// worktree — that is the Worktree Manager's exclusive responsibility.
func (s *Store) RemoveAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return s.flushAgentsLocked()
}

// Agent returns a copy of the named agent record.
func (s *Store) Agent(id string) (*model.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// ListAgents returns a snapshot of every agent record.
func (s *Store) ListAgents() []*model.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// CountActive returns the number of non-terminal agents, and the subset
// matching role when role is non-empty.
func (s *Store) CountActive(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.Status.Terminal() {
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		n++
	}
	return n
}

// --- messages ---------------------------------------------------------

// AppendMessage assigns the next monotone id and appends the message.
func (s *Store) AppendMessage(from, to, body string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsg++
	msg := &model.Message{
		ID:        s.nextMsg,
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	if err := s.flushMessagesLocked(); err != nil {
		return nil, err
	}
	cp := *msg
	return &cp, nil
}

// MessagesSince returns every message with id > cursor addressed to
// recipient or to broadcast, and the id of the last message returned
// (or cursor itself if nothing new). When recipient is the lead agent,
// the returned cursor is also persisted to the lead's cursor file.
func (s *Store) MessagesSince(recipient string, cursor int64) ([]*model.Message, int64, error) {
	s.mu.Lock()
	var out []*model.Message
	newCursor := cursor
	for _, m := range s.messages {
		if m.ID <= cursor {
			continue
		}
		if m.To != recipient && m.To != model.BroadcastRecipient {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if m.ID > newCursor {
			newCursor = m.ID
		}
	}
	s.mu.Unlock()

	if recipient == model.LeadAgentID {
		if err := s.persistLeadCursor(newCursor); err != nil {
			return out, newCursor, err
		}
	}
	return out, newCursor, nil
}

// ListMessages returns a snapshot of every message ever appended, for
// the Dashboard Contract's poll.
func (s *Store) ListMessages() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, len(s.messages))
	for i, m := range s.messages {
		cp := *m
		out[i] = &cp
	}
	return out
}

// LeadCursor returns the last persisted read cursor for the lead agent.
func (s *Store) LeadCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leadCursor
}

func (s *Store) persistLeadCursor(cursor int64) error {
	s.mu.Lock()
	s.leadCursor = cursor
	s.mu.Unlock()
	return s.flushCursorLocked(cursor)
}

// --- decisions ---------------------------------------------------------

// QueueDecision records a new pending decision and returns it.
func (s *Store) QueueDecision(id, question string, choices []string) (*model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &model.Decision{
		ID:       id,
		Question: question,
		Choices:  choices,
		AskedAt:  time.Now().UTC(),
	}
	s.decisions[id] = d
	if err := s.flushDecisionsLocked(); err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// AnswerDecision resolves the named decision. A second call for an
// already-answered id is a no-op that returns the original answer.
func (s *Store) AnswerDecision(id, answer string) (*model.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.decisions[id]
	if !exists {
		return nil, fmt.Errorf("decision %q not found", id)
	}
	if d.Answered() {
		cp := *d
		return &cp, nil
	}
	now := time.Now().UTC()
	d.AnsweredAt = &now
	d.Answer = &answer
	if err := s.flushDecisionsLocked(); err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

// Decision returns a copy of the named decision.
func (s *Store) Decision(id string) (*model.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// PendingDecisions returns every decision that has not yet been answered.
func (s *Store) PendingDecisions() []*model.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Decision
	for _, d := range s.decisions {
		if !d.Answered() {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// --- tasks ---------------------------------------------------------

// UpsertTask creates or replaces a task record.
func (s *Store) UpsertTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return s.flushTasksLocked()
}

// ListTasks returns a snapshot of every task.
func (s *Store) ListTasks() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// --- persistence ---------------------------------------------------------

// writeAtomic serializes v as JSON and atomically replaces dst via a
// temp-file-plus-rename in the same directory, so a reader can never
// observe a partially written file.
func writeAtomic(dst string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) flushAgentsLocked() error {
	return writeAtomic(s.path("agents.json"), s.agents)
}

func (s *Store) flushMessagesLocked() error {
	return writeAtomic(s.path("messages.json"), s.messages)
}

func (s *Store) flushDecisionsLocked() error {
	return writeAtomic(s.path("decisions.json"), s.decisions)
}

func (s *Store) flushTasksLocked() error {
	return writeAtomic(s.path("tasks.json"), s.tasks)
}

func (s *Store) flushCursorLocked(cursor int64) error {
	return writeAtomic(s.path("archie-cursor.json"), map[string]int64{"last_message_id": cursor})
}

// Load reads every partition file from disk, tolerating a missing or
// corrupt file by logging a warning and reinitializing that partition
// empty — corruption is recoverable, not fatal to the run.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := loadPartition(s.path("agents.json"), &s.agents, s.log, "agents"); err != nil {
		return err
	}
	if s.agents == nil {
		s.agents = make(map[string]*model.Agent)
	}

	var msgs []*model.Message
	if err := loadPartition(s.path("messages.json"), &msgs, s.log, "messages"); err != nil {
		return err
	}
	s.messages = msgs
	for _, m := range s.messages {
		if m.ID > s.nextMsg {
			s.nextMsg = m.ID
		}
	}

	if err := loadPartition(s.path("decisions.json"), &s.decisions, s.log, "decisions"); err != nil {
		return err
	}
	if s.decisions == nil {
		s.decisions = make(map[string]*model.Decision)
	}

	if err := loadPartition(s.path("tasks.json"), &s.tasks, s.log, "tasks"); err != nil {
		return err
	}
	if s.tasks == nil {
		s.tasks = make(map[string]*model.Task)
	}

	var cursor struct {
		LastMessageID int64 `json:"last_message_id"`
	}
	if err := loadPartition(s.path("archie-cursor.json"), &cursor, s.log, "cursor"); err != nil {
		return err
	}
	s.leadCursor = cursor.LastMessageID

	return nil
}

func loadPartition(path string, dst interface{}, log *logger.Logger, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Warn("state partition unreadable, reinitializing empty",
			zap.String("partition", name), zap.Error(err))
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		log.Warn("state partition corrupt, reinitializing empty",
			zap.String("partition", name), zap.Error(err))
		return nil
	}
	return nil
}
