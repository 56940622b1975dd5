package bus

import (
	"context"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
)

// requireProvider returns ProviderDisabled when no hosting-provider
// integration was configured for this run, distinct from the CLI being
// unreachable (ProviderUnavailable, surfaced by the Provider
// implementation itself).
func (s *Server) requireProvider() (Provider, error) {
	if s.provider == nil {
		return nil, apperrors.ProviderDisabled("github")
	}
	return s.provider, nil
}

func (s *Server) toolCreateIssue(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	req, err := decode[CreateIssueRequest](payload)
	if err != nil {
		return nil, err
	}
	return p.CreateIssue(ctx, req)
}

func (s *Server) toolListIssues(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	return p.ListIssues(ctx)
}

func (s *Server) toolUpdateIssue(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	req, err := decode[UpdateIssueRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := p.UpdateIssue(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) toolCloseIssue(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	req, err := decode[CloseIssueRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := p.CloseIssue(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) toolAddComment(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	req, err := decode[AddCommentRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := p.AddComment(ctx, req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) toolCreateMilestone(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	req, err := decode[CreateMilestoneRequest](payload)
	if err != nil {
		return nil, err
	}
	return p.CreateMilestone(ctx, req)
}

func (s *Server) toolListMilestones(ctx context.Context, callerID string, payload []byte) (interface{}, error) {
	p, err := s.requireProvider()
	if err != nil {
		return nil, err
	}
	return p.ListMilestones(ctx)
}
