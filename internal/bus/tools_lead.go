package bus

import (
	"context"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/model"
)

func (s *Server) toolSpawnAgent(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[SpawnAgentRequest](payload)
	if err != nil {
		return nil, err
	}
	res, err := s.lifecycle.SpawnAgent(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) toolTeardownAgent(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[TeardownAgentRequest](payload)
	if err != nil {
		return nil, err
	}
	if req.AgentID == model.LeadAgentID {
		return nil, apperrors.Forbidden("the lead agent cannot be torn down")
	}
	if err := s.lifecycle.TeardownAgent(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) toolListAgents(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	agents := s.store.ListAgents()
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, summarize(s, a))
	}
	return ListAgentsResult{Agents: out}, nil
}

func summarize(s *Server, a *model.Agent) AgentSummary {
	usage, ok := s.meter.Usage(a.ID)
	if !ok {
		usage = a.Usage
	}
	return AgentSummary{
		ID:         a.ID,
		Role:       a.Role,
		Status:     string(a.Status),
		Task:       a.Task,
		TokensUsed: usage.InputTokens + usage.OutputTokens,
		CostUSD:    usage.CostUSD,
	}
}

func (s *Server) toolEscalateToUser(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[EscalateRequest](payload)
	if err != nil {
		return nil, err
	}
	return escalate(ctx, s.store, s.hub, req)
}

func (s *Server) toolRequestMerge(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[RequestMergeRequest](payload)
	if err != nil {
		return nil, err
	}
	return s.lifecycle.RequestMerge(ctx, req)
}

func (s *Server) toolGetProjectContext(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	return s.lifecycle.GetProjectContext(ctx)
}

func (s *Server) toolUpdateBrief(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[UpdateBriefRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.UpdateBrief(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) toolCloseProject(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	req, err := decode[CloseProjectRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.CloseProject(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
