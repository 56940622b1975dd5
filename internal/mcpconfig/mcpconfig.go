// Package mcpconfig writes the per-agent bus-config file every spawned
// AI CLI is pointed at: a single "arch" SSE server entry carrying the
// agent's own bus URL.
package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// serverEntry is the shape of one entry in the "mcpServers" map.
type serverEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// document is the exact JSON shape the AI CLI expects:
// {"mcpServers":{"arch":{"type":"sse","url":"http://<host>:<port>/sse/<id>"}}}
type document struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// BusURL builds the SSE URL for an agent: host is "localhost" for a
// local agent and the container-to-host gateway name for a
// containerized one.
func BusURL(host string, port int, agentID string) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/sse/" + agentID
}

// Write renders the MCP config document for agentID pointed at busURL
// and writes it to dir/<agentID>-mcp.json, returning the written path.
func Write(dir, agentID, busURL string) (string, error) {
	doc := document{
		MCPServers: map[string]serverEntry{
			"arch": {Type: "sse", URL: busURL},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, agentID+"-mcp.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
