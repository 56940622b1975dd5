package mcpconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusURL(t *testing.T) {
	require.Equal(t, "http://localhost:3999/sse/lead", BusURL("localhost", 3999, "lead"))
}

func TestWrite_ExactWireShape(t *testing.T) {
	dir := t.TempDir()
	path, err := Write(dir, "frontend-1", "http://localhost:3999/sse/frontend-1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "frontend-1-mcp.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"mcpServers":{"arch":{"type":"sse","url":"http://localhost:3999/sse/frontend-1"}}}`, string(data))
}
