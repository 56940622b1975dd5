package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditFileName is the append-only elevated-permissions log under the
// state directory, one line per elevated action.
const auditFileName = "permissions_audit.log"

// auditLog is the append-only record of every use of elevated
// permissions: the startup acknowledgement for each pre-approved role,
// and every agent actually spawned with the skip-permissions flag.
type auditLog struct {
	mu   sync.Mutex
	file *os.File
}

func openAuditLog(stateDir string) (*auditLog, error) {
	f, err := os.OpenFile(filepath.Join(stateDir, auditFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening permissions audit log: %w", err)
	}
	return &auditLog{file: f}, nil
}

// Record appends one line: ISO-8601 UTC instant, event kind, agent id,
// role, approver.
func (a *auditLog) Record(event, agentID, role, approver string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	line := fmt.Sprintf("%s %s agent=%s role=%s approver=%s\n",
		time.Now().UTC().Format(time.RFC3339), event, agentID, role, approver)
	if _, err := a.file.WriteString(line); err != nil {
		return fmt.Errorf("appending audit line: %w", err)
	}
	return a.file.Sync()
}

func (a *auditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
