package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const briefFixture = `# demo

## Goal

Ship the widget.

## Done When

Tests pass.

## Current Status

Just getting started.

## Decisions Log

- **2026-01-01** — picked Go
`

func newTestBrief(t *testing.T, content string) *brief {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, BriefFileName), []byte(content), 0o644))
	}
	return newBrief(dir)
}

func TestBrief_ReplaceCurrentStatus_LeavesOtherSectionsIntact(t *testing.T) {
	b := newTestBrief(t, briefFixture)

	require.NoError(t, b.ReplaceCurrentStatus("Backend is done, frontend in review."))

	doc, err := b.Read()
	require.NoError(t, err)
	require.Contains(t, doc, "Backend is done, frontend in review.")
	require.NotContains(t, doc, "Just getting started.")
	require.Contains(t, doc, "Ship the widget.")
	require.Contains(t, doc, "picked Go")
}

func TestBrief_AppendDecision_AppendsDatedRow(t *testing.T) {
	b := newTestBrief(t, briefFixture)

	require.NoError(t, b.AppendDecision("merge via pull requests only"))

	doc, err := b.Read()
	require.NoError(t, err)
	require.Contains(t, doc, "picked Go")
	require.Contains(t, doc, "merge via pull requests only")
	require.Contains(t, doc, time.Now().UTC().Format("2006-01-02"))

	// the new row lands after the existing one
	require.Less(t,
		strings.Index(doc, "picked Go"),
		strings.Index(doc, "merge via pull requests only"))
}

func TestBrief_MissingSectionIsCreated(t *testing.T) {
	b := newTestBrief(t, "# demo\n\n## Goal\n\nShip it.\n")

	require.NoError(t, b.ReplaceCurrentStatus("underway"))

	doc, err := b.Read()
	require.NoError(t, err)
	require.Contains(t, doc, "## Current Status")
	require.Contains(t, doc, "underway")
}

func TestBrief_MissingFileReadsEmpty(t *testing.T) {
	b := newTestBrief(t, "")
	doc, err := b.Read()
	require.NoError(t, err)
	require.Empty(t, doc)
}
