package bus

import "context"

// Lifecycle is the set of orchestrator-bound callbacks the bus server
// dispatches lead-only lifecycle tools to. The Orchestrator implements
// this and registers itself with the Server at startup, so the server
// never reaches into lifecycle state directly.
type Lifecycle interface {
	SpawnAgent(ctx context.Context, req SpawnAgentRequest) (SpawnAgentResult, error)
	TeardownAgent(ctx context.Context, req TeardownAgentRequest) error
	RequestMerge(ctx context.Context, req RequestMergeRequest) (RequestMergeResult, error)
	GetProjectContext(ctx context.Context) (GetProjectContextResult, error)
	UpdateBrief(ctx context.Context, req UpdateBriefRequest) error
	CloseProject(ctx context.Context, req CloseProjectRequest) error
}

// Provider is the hosting-provider (GitHub) tool family. A nil Provider
// on the Server means the family is disabled (ProviderDisabled); a
// non-nil Provider whose calls fail surfaces ProviderUnavailable or
// ProviderCallFailed as structured tool errors.
type Provider interface {
	CreateIssue(ctx context.Context, req CreateIssueRequest) (IssueResult, error)
	ListIssues(ctx context.Context) (ListIssuesResult, error)
	UpdateIssue(ctx context.Context, req UpdateIssueRequest) error
	CloseIssue(ctx context.Context, req CloseIssueRequest) error
	AddComment(ctx context.Context, req AddCommentRequest) error
	CreateMilestone(ctx context.Context, req CreateMilestoneRequest) (MilestoneResult, error)
	ListMilestones(ctx context.Context) (ListMilestonesResult, error)
}
