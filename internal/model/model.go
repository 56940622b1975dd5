// Package model holds the shared data-model types for the harness.
// Every other package may import model; model imports nothing from
// the rest of the repository, so it never participates in an import
// cycle.
package model

import "time"

// LeadAgentID is the reserved identifier for the privileged lead agent.
// Code and persisted state use "lead" everywhere; "archie" is only the
// human-facing persona name.
const LeadAgentID = "lead"

// BroadcastRecipient is the sentinel recipient meaning "every live agent".
const BroadcastRecipient = "broadcast"

// UserSender is the sentinel sender identifying a human-originated message.
const UserSender = "user"

// AgentStatus is the closed set of states an agent record may hold.
type AgentStatus string

const (
	AgentStatusSpawning      AgentStatus = "spawning"
	AgentStatusIdle          AgentStatus = "idle"
	AgentStatusWorking       AgentStatus = "working"
	AgentStatusBlocked       AgentStatus = "blocked"
	AgentStatusWaitingReview AgentStatus = "waiting_review"
	AgentStatusDone          AgentStatus = "done"
	AgentStatusError         AgentStatus = "error"
)

// Terminal reports whether the status is one the state machine cannot leave.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusDone || s == AgentStatusError
}

var validStatuses = map[AgentStatus]bool{
	AgentStatusSpawning:      true,
	AgentStatusIdle:          true,
	AgentStatusWorking:       true,
	AgentStatusBlocked:       true,
	AgentStatusWaitingReview: true,
	AgentStatusDone:          true,
	AgentStatusError:         true,
}

// Valid reports whether s belongs to the closed status set.
func (s AgentStatus) Valid() bool {
	return validStatuses[s]
}

// TaskStatus is the closed set of states a task record may hold.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
)

// Project is the immutable context for one harness run.
type Project struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RepoRoot    string    `json:"repo_root"`
	StartedAt   time.Time `json:"started_at"`
}

// Usage is the per-agent running token and cost total.
type Usage struct {
	ModelID           string  `json:"model_id"`
	InputTokens       int64   `json:"input_tokens"`
	OutputTokens      int64   `json:"output_tokens"`
	CacheReadTokens   int64   `json:"cache_read_tokens"`
	CacheCreateTokens int64   `json:"cache_creation_tokens"`
	TurnCount         int     `json:"turn_count"`
	CostUSD           float64 `json:"cost_usd"`
}

// SessionContext is the structured progress record an agent saves via
// the save_progress bus tool; it is synthesized into the next CLAUDE.md
// write for that agent.
type SessionContext struct {
	FilesModified []string `json:"files_modified,omitempty"`
	Progress      string   `json:"progress,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
	Blockers      []string `json:"blockers,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
}

// Agent is one live or completed agent record.
type Agent struct {
	ID              string          `json:"id"`
	Role            string          `json:"role"`
	Status          AgentStatus     `json:"status"`
	Task            string          `json:"task"`
	ResumeToken     string          `json:"resume_token,omitempty"`
	WorktreePath    string          `json:"worktree_path"`
	ProcessID       int             `json:"process_id,omitempty"`
	ContainerName   string          `json:"container_name,omitempty"`
	Sandboxed       bool            `json:"sandboxed"`
	SkipPermissions bool            `json:"skip_permissions"`
	SpawnedAt       time.Time       `json:"spawned_at"`
	Usage           Usage           `json:"usage"`
	SessionContext  *SessionContext `json:"session_context,omitempty"`
}

// IsLocal reports whether this agent runs as a local subprocess rather
// than inside a container. Exactly one of ProcessID/ContainerName is set.
func (a *Agent) IsLocal() bool {
	return a.ContainerName == ""
}

// Message is one append-only entry in the durable message log.
type Message struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Decision is a question queued for a human, optionally blocking the
// tool call that raised it.
type Decision struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Choices    []string   `json:"choices,omitempty"`
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	Answer     *string    `json:"answer,omitempty"`
}

// Answered reports whether this decision has already been resolved.
func (d *Decision) Answered() bool {
	return d.Answer != nil
}

// Task is one unit of work tracked against an assignee.
type Task struct {
	ID          string     `json:"id"`
	AssigneeID  string     `json:"assignee_id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
