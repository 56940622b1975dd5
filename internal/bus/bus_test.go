package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/store"
)

type fakeLifecycle struct {
	spawnResult SpawnAgentResult
	spawnErr    error
	closed      bool
}

func (f *fakeLifecycle) SpawnAgent(ctx context.Context, req SpawnAgentRequest) (SpawnAgentResult, error) {
	return f.spawnResult, f.spawnErr
}
func (f *fakeLifecycle) TeardownAgent(ctx context.Context, req TeardownAgentRequest) error { return nil }
func (f *fakeLifecycle) RequestMerge(ctx context.Context, req RequestMergeRequest) (RequestMergeResult, error) {
	return RequestMergeResult{Merged: true}, nil
}
func (f *fakeLifecycle) GetProjectContext(ctx context.Context) (GetProjectContextResult, error) {
	return GetProjectContextResult{ProjectName: "demo"}, nil
}
func (f *fakeLifecycle) UpdateBrief(ctx context.Context, req UpdateBriefRequest) error { return nil }
func (f *fakeLifecycle) CloseProject(ctx context.Context, req CloseProjectRequest) error {
	f.closed = true
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeLifecycle, *httptest.Server) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	mtr := meter.New(nil, nil)
	lc := &fakeLifecycle{}
	s := New(0, st, mtr, lc, nil, nil)
	ts := httptest.NewServer(s.engine)
	t.Cleanup(ts.Close)
	return s, lc, ts
}

func callTool(t *testing.T, ts *httptest.Server, agentID, tool string, payload interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	call := ToolCall{Tool: tool, Payload: body}
	callBody, err := json.Marshal(call)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("%s/sse/%s/call", ts.URL, agentID), "application/json", bytes.NewReader(callBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestLeadOnlyTool_RejectsNonLeadCaller(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, out := callTool(t, ts, "frontend-1", ToolSpawnAgent, SpawnAgentRequest{Role: "frontend", Assignment: "hi"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, out, "error")
}

func TestLeadOnlyTool_AllowsLeadCaller(t *testing.T) {
	_, lc, ts := newTestServer(t)
	lc.spawnResult = SpawnAgentResult{AgentID: "frontend-1", Status: "spawning"}
	resp, out := callTool(t, ts, model.LeadAgentID, ToolSpawnAgent, SpawnAgentRequest{Role: "frontend", Assignment: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, out, "result")
}

// get_messages with no cursor uses the persisted lead cursor and
// returns only messages strictly after it, advancing the cursor.
func TestGetMessages_UsesPersistedLeadCursor(t *testing.T) {
	s, _, ts := newTestServer(t)

	_, err := s.store.AppendMessage("user", model.LeadAgentID, "old-1") // id 1, before cursor
	require.NoError(t, err)
	require.NoError(t, seedCursor(s, 1))

	for i := 0; i < 3; i++ {
		_, err := s.store.AppendMessage("user", model.LeadAgentID, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	resp, out := callTool(t, ts, model.LeadAgentID, ToolGetMessages, GetMessagesRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result GetMessagesResult
	require.NoError(t, json.Unmarshal(out["result"], &result))
	require.Len(t, result.Messages, 3)
	require.Equal(t, int64(4), result.Cursor)
	require.Equal(t, int64(4), s.store.LeadCursor())
}

func seedCursor(s *Server, cursor int64) error {
	_, _, err := s.store.MessagesSince(model.LeadAgentID, cursor)
	return err
}

// escalate_to_user blocks until answer_decision resolves it, and a
// second answer is a no-op.
func TestEscalateToUser_BlocksUntilAnswered(t *testing.T) {
	s, _, ts := newTestServer(t)

	type callResult struct {
		resp *http.Response
		out  map[string]json.RawMessage
	}
	resCh := make(chan callResult, 1)
	go func() {
		resp, out := callTool(t, ts, model.LeadAgentID, ToolEscalateToUser, EscalateRequest{Question: "Merge?", Options: []string{"y", "n"}})
		resCh <- callResult{resp, out}
	}()

	var decisionID string
	require.Eventually(t, func() bool {
		pending := s.PendingDecisions()
		if len(pending) == 0 {
			return false
		}
		decisionID = pending[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	decision, err := s.AnswerDecision(decisionID, "y")
	require.NoError(t, err)
	require.Equal(t, "y", *decision.Answer)

	select {
	case r := <-resCh:
		require.Equal(t, http.StatusOK, r.resp.StatusCode)
		var result EscalateResult
		require.NoError(t, json.Unmarshal(r.out["result"], &result))
		require.Equal(t, "y", result.Answer)
	case <-time.After(2 * time.Second):
		t.Fatal("escalate_to_user never unblocked")
	}

	// second answer is a no-op
	decision2, err := s.AnswerDecision(decisionID, "n")
	require.NoError(t, err)
	require.Equal(t, "y", *decision2.Answer)
}

func TestProviderTools_DisabledWhenNoProviderConfigured(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, out := callTool(t, ts, model.LeadAgentID, ToolCreateIssue, CreateIssueRequest{Title: "x"})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	require.Contains(t, out, "error")
}
