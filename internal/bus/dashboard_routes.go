package bus

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDashboardAgents backs the dashboard's agent-list poll: a plain
// HTTP GET, no agent-id path segment, since the dashboard is not itself
// an agent.
func (s *Server) handleDashboardAgents(c *gin.Context) {
	agents := s.store.ListAgents()
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, summarize(s, a))
	}
	c.JSON(http.StatusOK, ListAgentsResult{Agents: out})
}

func (s *Server) handleDashboardMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.store.ListMessages()})
}

func (s *Server) handleDashboardDecisions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"decisions": s.store.PendingDecisions()})
}

type answerRequest struct {
	Answer string `json:"answer"`
}

// handleDashboardAnswer is the dashboard's single writer operation:
// exactly one call carrying the chosen decision id resolves the
// matching escalate_to_user call.
func (s *Server) handleDashboardAnswer(c *gin.Context) {
	id := c.Param("id")
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, err := s.AnswerDecision(id, req.Answer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}
