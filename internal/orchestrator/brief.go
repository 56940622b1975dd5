package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BriefFileName is the human-editable project brief at the repository
// root. The kernel reads the whole file but rewrites only the Current
// Status section (full replacement) and the Decisions Log section
// (append one row).
const BriefFileName = "BRIEF.md"

const (
	sectionCurrentStatus = "Current Status"
	sectionDecisionsLog  = "Decisions Log"
)

// brief owns the kernel's two write paths into BRIEF.md.
type brief struct {
	path string
}

func newBrief(repoRoot string) *brief {
	return &brief{path: filepath.Join(repoRoot, BriefFileName)}
}

// Read returns the whole brief, or empty when the file does not exist.
func (b *brief) Read() (string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// ReplaceCurrentStatus swaps the body of the Current Status section for
// content, creating the section at the end of the file if missing.
func (b *brief) ReplaceCurrentStatus(content string) error {
	return b.rewriteSection(sectionCurrentStatus, func(string) string {
		return strings.TrimRight(content, "\n") + "\n"
	})
}

// AppendDecision appends one dated row to the Decisions Log section.
func (b *brief) AppendDecision(content string) error {
	row := fmt.Sprintf("- **%s** — %s\n", time.Now().UTC().Format("2006-01-02"), strings.TrimSpace(content))
	return b.rewriteSection(sectionDecisionsLog, func(existing string) string {
		existing = strings.TrimRight(existing, "\n")
		if existing == "" {
			return row
		}
		return existing + "\n" + row
	})
}

// rewriteSection finds the "## <name>" heading and rewrites its body
// (everything up to the next "## " heading or EOF) with transform.
func (b *brief) rewriteSection(name string, transform func(body string) string) error {
	doc, err := b.Read()
	if err != nil {
		return err
	}

	heading := "## " + name
	lines := strings.Split(doc, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}

	if start == -1 {
		doc = strings.TrimRight(doc, "\n")
		if doc != "" {
			doc += "\n\n"
		}
		doc += heading + "\n\n" + transform("")
		return b.write(doc)
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}

	body := strings.Join(lines[start+1:end], "\n")
	newBody := transform(strings.TrimLeft(body, "\n"))

	var out []string
	out = append(out, lines[:start+1]...)
	out = append(out, "")
	out = append(out, strings.Split(strings.TrimRight(newBody, "\n"), "\n")...)
	out = append(out, "")
	out = append(out, lines[end:]...)

	return b.write(strings.Join(out, "\n"))
}

func (b *brief) write(doc string) error {
	if !strings.HasSuffix(doc, "\n") {
		doc += "\n"
	}
	return os.WriteFile(b.path, []byte(doc), 0o644)
}
