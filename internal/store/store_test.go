package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, logger.Default())
	require.NoError(t, err)
	return s
}

func TestRegisterAgent_DuplicateIDRejected(t *testing.T) {
	s := newTestStore(t)
	a := &model.Agent{ID: "worker-1", Role: "worker", Status: model.AgentStatusSpawning, SpawnedAt: time.Now().UTC()}
	require.NoError(t, s.RegisterAgent(a))

	err := s.RegisterAgent(a)
	require.Error(t, err)
}

func TestUpdateAgent_RejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	a := &model.Agent{ID: "worker-1", Role: "worker", Status: model.AgentStatusSpawning}
	require.NoError(t, s.RegisterAgent(a))

	bogus := model.AgentStatus("trampling")
	err := s.UpdateAgent("worker-1", AgentPatch{Status: &bogus})
	require.Error(t, err)

	got, ok := s.Agent("worker-1")
	require.True(t, ok)
	require.Equal(t, model.AgentStatusSpawning, got.Status)
}

func TestAppendMessage_MonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	m1, err := s.AppendMessage(model.LeadAgentID, "worker-1", "start task A")
	require.NoError(t, err)
	m2, err := s.AppendMessage("worker-1", model.LeadAgentID, "ack")
	require.NoError(t, err)

	require.Equal(t, int64(1), m1.ID)
	require.Equal(t, int64(2), m2.ID)
}

func TestMessagesSince_FiltersByRecipientAndBroadcast(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(model.LeadAgentID, "worker-1", "to worker-1 only")
	require.NoError(t, err)
	_, err = s.AppendMessage(model.LeadAgentID, "worker-2", "to worker-2 only")
	require.NoError(t, err)
	_, err = s.AppendMessage(model.LeadAgentID, model.BroadcastRecipient, "shutdown soon")
	require.NoError(t, err)

	msgs, cursor, err := s.MessagesSince("worker-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(3), cursor)
	require.Equal(t, "to worker-1 only", msgs[0].Body)
	require.Equal(t, "shutdown soon", msgs[1].Body)
}

func TestMessagesSince_LeadCursorPersisted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage("worker-1", model.LeadAgentID, "update")
	require.NoError(t, err)

	_, cursor, err := s.MessagesSince(model.LeadAgentID, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)
	require.Equal(t, int64(1), s.LeadCursor())

	s2, err := New(s.dir, logger.Default())
	require.NoError(t, err)
	require.NoError(t, s2.Load(context.Background()))
	require.Equal(t, int64(1), s2.LeadCursor())
}

func TestAnswerDecision_IdempotentSecondCall(t *testing.T) {
	s := newTestStore(t)
	d, err := s.QueueDecision("dec-1", "merge now?", []string{"yes", "no"})
	require.NoError(t, err)
	require.False(t, d.Answered())

	got1, err := s.AnswerDecision("dec-1", "yes")
	require.NoError(t, err)
	require.True(t, got1.Answered())
	require.Equal(t, "yes", *got1.Answer)

	got2, err := s.AnswerDecision("dec-1", "no")
	require.NoError(t, err)
	require.Equal(t, "yes", *got2.Answer, "first answer must stick, not be overwritten")
}

func TestPendingDecisions_ExcludesAnswered(t *testing.T) {
	s := newTestStore(t)
	_, err := s.QueueDecision("dec-1", "q1", nil)
	require.NoError(t, err)
	_, err = s.QueueDecision("dec-2", "q2", nil)
	require.NoError(t, err)
	_, err = s.AnswerDecision("dec-1", "ok")
	require.NoError(t, err)

	pending := s.PendingDecisions()
	require.Len(t, pending, 1)
	require.Equal(t, "dec-2", pending[0].ID)
}

func TestLoad_ReloadsFullStateAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, logger.Default())
	require.NoError(t, err)

	require.NoError(t, s.RegisterAgent(&model.Agent{ID: "worker-1", Role: "worker", Status: model.AgentStatusWorking}))
	_, err = s.AppendMessage(model.LeadAgentID, "worker-1", "go")
	require.NoError(t, err)
	_, err = s.QueueDecision("dec-1", "proceed?", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertTask(&model.Task{ID: "task-1", AssigneeID: "worker-1", Status: model.TaskStatusInProgress}))

	restarted, err := New(dir, logger.Default())
	require.NoError(t, err)
	require.NoError(t, restarted.Load(context.Background()))

	a, ok := restarted.Agent("worker-1")
	require.True(t, ok)
	require.Equal(t, model.AgentStatusWorking, a.Status)

	msgs, _, err := restarted.MessagesSince("worker-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending := restarted.PendingDecisions()
	require.Len(t, pending, 1)

	tasks := restarted.ListTasks()
	require.Len(t, tasks, 1)
}

func TestLoad_TolerantOfCorruptPartition(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, logger.Default())
	require.NoError(t, err)
	require.NoError(t, s.RegisterAgent(&model.Agent{ID: "worker-1", Role: "worker", Status: model.AgentStatusIdle}))

	require.NoError(t, writeAtomic(filepath.Join(dir, "agents.json"), "not-an-object"))

	reloaded, err := New(dir, logger.Default())
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(context.Background()))
	require.Empty(t, reloaded.ListAgents())
}

func TestCountActive_ExcludesTerminalStatuses(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterAgent(&model.Agent{ID: "w1", Role: "worker", Status: model.AgentStatusWorking}))
	require.NoError(t, s.RegisterAgent(&model.Agent{ID: "w2", Role: "worker", Status: model.AgentStatusDone}))
	require.NoError(t, s.RegisterAgent(&model.Agent{ID: "w3", Role: "reviewer", Status: model.AgentStatusIdle}))

	require.Equal(t, 2, s.CountActive(""))
	require.Equal(t, 1, s.CountActive("worker"))
	require.Equal(t, 1, s.CountActive("reviewer"))
}

func TestRegisterAgent_RejectsBothProcessAndContainer(t *testing.T) {
	s := newTestStore(t)
	a := &model.Agent{ID: "worker-1", Role: "worker", ProcessID: 123, ContainerName: "arch-worker-1"}
	err := s.RegisterAgent(a)
	require.Error(t, err)
}
