package bus

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/store"
)

// Tool name constants, shared with the worktree CLAUDE.md bus-tool
// roster.
const (
	ToolSendMessage      = "send_message"
	ToolGetMessages      = "get_messages"
	ToolUpdateStatus     = "update_status"
	ToolReportCompletion = "report_completion"
	ToolSaveProgress     = "save_progress"

	ToolSpawnAgent        = "spawn_agent"
	ToolTeardownAgent     = "teardown_agent"
	ToolListAgents        = "list_agents"
	ToolEscalateToUser    = "escalate_to_user"
	ToolRequestMerge      = "request_merge"
	ToolGetProjectContext = "get_project_context"
	ToolUpdateBrief       = "update_brief"
	ToolCloseProject      = "close_project"

	ToolCreateIssue      = "create_issue"
	ToolListIssues       = "list_issues"
	ToolUpdateIssue      = "update_issue"
	ToolCloseIssue       = "close_issue"
	ToolAddComment       = "add_comment"
	ToolCreateMilestone  = "create_milestone"
	ToolListMilestones   = "list_milestones"
)

// AgentToolNames is every tool a non-lead agent may call, in the order
// the worktree CLAUDE.md header lists them.
var AgentToolNames = []string{
	ToolSendMessage, ToolGetMessages, ToolUpdateStatus, ToolReportCompletion, ToolSaveProgress,
}

// LeadToolNames additionally lists the lead-only tools, appended when
// rendering the lead agent's own CLAUDE.md.
var LeadToolNames = append(append([]string{}, AgentToolNames...),
	ToolSpawnAgent, ToolTeardownAgent, ToolListAgents, ToolEscalateToUser,
	ToolRequestMerge, ToolGetProjectContext, ToolUpdateBrief, ToolCloseProject,
	ToolCreateIssue, ToolListIssues, ToolUpdateIssue, ToolCloseIssue,
	ToolAddComment, ToolCreateMilestone, ToolListMilestones,
)

func (s *Server) buildHandlerTable() map[string]handlerFunc {
	h := map[string]handlerFunc{
		ToolSendMessage:      s.toolSendMessage,
		ToolGetMessages:      s.toolGetMessages,
		ToolUpdateStatus:     s.toolUpdateStatus,
		ToolReportCompletion: s.toolReportCompletion,
		ToolSaveProgress:     s.toolSaveProgress,

		ToolSpawnAgent:        s.leadOnly(s.toolSpawnAgent),
		ToolTeardownAgent:     s.leadOnly(s.toolTeardownAgent),
		ToolListAgents:        s.leadOnly(s.toolListAgents),
		ToolEscalateToUser:    s.leadOnly(s.toolEscalateToUser),
		ToolRequestMerge:      s.leadOnly(s.toolRequestMerge),
		ToolGetProjectContext: s.leadOnly(s.toolGetProjectContext),
		ToolUpdateBrief:       s.leadOnly(s.toolUpdateBrief),
		ToolCloseProject:      s.leadOnly(s.toolCloseProject),

		ToolCreateIssue:     s.leadOnly(s.toolCreateIssue),
		ToolListIssues:      s.leadOnly(s.toolListIssues),
		ToolUpdateIssue:     s.leadOnly(s.toolUpdateIssue),
		ToolCloseIssue:      s.leadOnly(s.toolCloseIssue),
		ToolAddComment:      s.leadOnly(s.toolAddComment),
		ToolCreateMilestone: s.leadOnly(s.toolCreateMilestone),
		ToolListMilestones:  s.leadOnly(s.toolListMilestones),
	}
	return h
}

// leadOnly wraps a handler with the caller-authority check for tools
// restricted to the lead agent.
func (s *Server) leadOnly(fn handlerFunc) handlerFunc {
	return func(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
		if err := requireLead(callerID); err != nil {
			return nil, err
		}
		return fn(ctx, callerID, payload)
	}
}

func (s *Server) toolSendMessage(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[SendMessageRequest](payload)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.AppendMessage(callerID, req.To, req.Content)
	if err != nil {
		return nil, apperrors.InternalError("appending message", err)
	}
	s.push(req.To, mustJSON(msg))
	return SendMessageResult{ID: msg.ID, Timestamp: msg.Timestamp.Format(time.RFC3339)}, nil
}

func (s *Server) toolGetMessages(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[GetMessagesRequest](payload)
	if err != nil {
		return nil, err
	}
	cursor := int64(0)
	if req.Since != nil {
		cursor = *req.Since
	} else if callerID == model.LeadAgentID {
		cursor = s.store.LeadCursor()
	}
	msgs, newCursor, err := s.store.MessagesSince(callerID, cursor)
	if err != nil {
		return nil, apperrors.InternalError("reading messages", err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return GetMessagesResult{Messages: msgs, Cursor: newCursor}, nil
}

func (s *Server) toolUpdateStatus(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[UpdateStatusRequest](payload)
	if err != nil {
		return nil, err
	}
	status := model.AgentStatus(req.Status)
	if err := s.store.UpdateAgent(callerID, store.AgentPatch{Status: &status, Task: &req.Task}); err != nil {
		return nil, mapStoreErr(err)
	}
	return struct{}{}, nil
}

func (s *Server) toolReportCompletion(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[ReportCompletionRequest](payload)
	if err != nil {
		return nil, err
	}
	done := model.AgentStatusDone
	summary := "completed: " + req.Summary
	if err := s.store.UpdateAgent(callerID, store.AgentPatch{Status: &done, Task: &summary}); err != nil {
		return nil, mapStoreErr(err)
	}
	if _, err := s.store.AppendMessage(callerID, model.LeadAgentID, "completion: "+req.Summary); err != nil {
		return nil, apperrors.InternalError("posting completion message", err)
	}
	return struct{}{}, nil
}

func (s *Server) toolSaveProgress(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[SaveProgressRequest](payload)
	if err != nil {
		return nil, err
	}
	sc := &model.SessionContext{
		FilesModified: req.FilesModified,
		Progress:      req.Progress,
		NextSteps:     req.NextSteps,
		Blockers:      req.Blockers,
		Decisions:     req.Decisions,
	}
	if err := s.store.UpdateAgent(callerID, store.AgentPatch{SessionContext: sc}); err != nil {
		return nil, mapStoreErr(err)
	}
	return struct{}{}, nil
}

func mapStoreErr(err error) error {
	if ae, ok := err.(*apperrors.AppError); ok {
		return ae
	}
	return apperrors.InternalError("store operation failed", err)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
