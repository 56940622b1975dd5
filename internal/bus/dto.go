package bus

import "github.com/AppSecHQ/arch/internal/model"

// ToolCall is the tagged-message envelope every bus tool invocation
// arrives in: a discriminator naming the tool, and its JSON payload.
type ToolCall struct {
	Tool    string `json:"tool"`
	Payload []byte `json:"payload"`
}

// ToolError is the structured error shape returned to a failed tool
// call; Code matches one of the kinds in internal/common/errors.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- tools available to every agent ---------------------------------

type SendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type SendMessageResult struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}

type GetMessagesRequest struct {
	Since *int64 `json:"since,omitempty"`
}

type GetMessagesResult struct {
	Messages []*model.Message `json:"messages"`
	Cursor   int64            `json:"cursor"`
}

type UpdateStatusRequest struct {
	Task   string `json:"task"`
	Status string `json:"status"`
}

type ReportCompletionRequest struct {
	Summary   string   `json:"summary"`
	Artifacts []string `json:"artifacts"`
}

type SaveProgressRequest struct {
	FilesModified []string `json:"files_modified"`
	Progress      string   `json:"progress"`
	NextSteps     []string `json:"next_steps"`
	Blockers      []string `json:"blockers,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
}

// --- tools available to the lead agent only -------------------------

type SpawnAgentRequest struct {
	Role            string `json:"role"`
	Assignment      string `json:"assignment"`
	Context         string `json:"context,omitempty"`
	SkipPermissions bool   `json:"skip_permissions,omitempty"`
}

type SpawnAgentResult struct {
	AgentID         string `json:"agent_id"`
	WorktreePath    string `json:"worktree_path"`
	Sandboxed       bool   `json:"sandboxed"`
	SkipPermissions bool   `json:"skip_permissions"`
	Status          string `json:"status"`
}

type TeardownAgentRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

type AgentSummary struct {
	ID          string  `json:"id"`
	Role        string  `json:"role"`
	Status      string  `json:"status"`
	Task        string  `json:"task"`
	TokensUsed  int64   `json:"tokens_used"`
	CostUSD     float64 `json:"cost_usd"`
}

type ListAgentsResult struct {
	Agents []AgentSummary `json:"agents"`
}

type EscalateRequest struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type EscalateResult struct {
	Answer string `json:"answer"`
}

type RequestMergeRequest struct {
	AgentID string `json:"agent_id"`
	Target  string `json:"target"`
	PRTitle string `json:"pr_title,omitempty"`
	PRBody  string `json:"pr_body,omitempty"`
}

type RequestMergeResult struct {
	Merged         bool   `json:"merged"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
}

type GetProjectContextResult struct {
	ProjectName  string         `json:"project_name"`
	Description  string         `json:"description"`
	RepoRoot     string         `json:"repo_root"`
	GitStatus    string         `json:"git_status"`
	LiveAgents   []AgentSummary `json:"live_agents"`
	BriefContent string         `json:"brief_content"`
}

type UpdateBriefRequest struct {
	Section string `json:"section"`
	Content string `json:"content"`
}

type CloseProjectRequest struct {
	Summary string `json:"summary"`
}

// --- hosting-provider (github) tools ---------------------------------

type CreateIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type IssueResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

type ListIssuesResult struct {
	Issues []IssueResult `json:"issues"`
}

type UpdateIssueRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
}

type CloseIssueRequest struct {
	Number int `json:"number"`
}

type AddCommentRequest struct {
	Number int    `json:"number"`
	Body   string `json:"body"`
}

type CreateMilestoneRequest struct {
	Title string `json:"title"`
}

type MilestoneResult struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

type ListMilestonesResult struct {
	Milestones []MilestoneResult `json:"milestones"`
}
