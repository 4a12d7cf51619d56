package compiler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nexus-runtime/bridge/internal/types"
)

var (
	syntaxPosition = regexp.MustCompile(`Line (\d+):(\d+)\s*(.*)`)
	stackPosition  = regexp.MustCompile(regexp.QuoteMeta(ScriptName) + `:(\d+):(\d+)`)
)

// SourceMap maps positions in the wrapped script back to handler source
type SourceMap struct {
	lines  []string
	offset int
}

// NewSourceMap indexes handler source lines
func NewSourceMap(source string) *SourceMap {
	return &SourceMap{
		lines:  strings.Split(source, "\n"),
		offset: HeaderLines,
	}
}

// Lines returns the number of handler source lines
func (m *SourceMap) Lines() int { return len(m.lines) }

// Location converts a wrapped-script position into a handler position.
// Positions inside the harness clamp to the nearest handler line.
func (m *SourceMap) Location(line, column int) *types.Location {
	l := line - m.offset
	if l < 1 {
		l = 1
	}
	if l > len(m.lines) {
		l = len(m.lines)
	}
	if column < 1 {
		column = 1
	}
	return &types.Location{Line: l, Column: column}
}

// Snippet renders the handler lines around line with a marker on it
func (m *SourceMap) Snippet(line, context int) string {
	if line < 1 || line > len(m.lines) {
		return ""
	}
	start := max(1, line-context)
	end := min(len(m.lines), line+context)

	var b strings.Builder
	for i := start; i <= end; i++ {
		marker := " "
		if i == line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %4d | %s\n", marker, i, m.lines[i-1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Annotate fills location and snippet on err from a stack trace that
// references the compiled script
func (m *SourceMap) Annotate(err *types.Error, stack string) {
	match := stackPosition.FindStringSubmatch(stack)
	if match == nil {
		return
	}
	line, _ := strconv.Atoi(match[1])
	col, _ := strconv.Atoi(match[2])
	err.Location = m.Location(line, col)
	err.Snippet = m.Snippet(err.Location.Line, 2)
}

// syntaxError converts a parser error into a COMPILE_ERROR positioned in
// handler source
func (m *SourceMap) syntaxError(err error) *types.Error {
	msg := err.Error()
	match := syntaxPosition.FindStringSubmatch(msg)
	if match == nil {
		return types.CompileError(msg, nil)
	}
	line, _ := strconv.Atoi(match[1])
	col, _ := strconv.Atoi(match[2])
	loc := m.Location(line, col)
	text := strings.TrimSpace(match[3])
	if text == "" {
		text = msg
	}
	e := types.CompileError(text, loc)
	e.Snippet = m.Snippet(loc.Line, 2)
	return e
}
