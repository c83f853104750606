package tools

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
)

// Markers drawn by the qodo CLI around tool invocations.
const (
	OpenMarker    = "┌─ "
	SuccessMarker = "✓ ✓"
	FailureMarker = "✗ ✗"
)

var continuationPrefixes = []string{"├──", "└──", "│"}

type Kind string

const (
	KindText     Kind = "text"
	KindToolCall Kind = "tool_call"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ToolCall is a tool invocation detected in the output stream. Update marks a
// status change for a call reported earlier under the same ID.
type ToolCall struct {
	ID     string
	Name   string
	Status Status
	Update bool
}

// Fragment is one unit of parsed output: display text or a tool call.
type Fragment struct {
	Kind     Kind
	Text     string
	ToolCall *ToolCall
}

func TextFragment(text string) Fragment {
	return Fragment{Kind: KindText, Text: text}
}

func ToolCallFragment(tc ToolCall) Fragment {
	return Fragment{Kind: KindToolCall, ToolCall: &tc}
}

// Parser classifies raw output chunks. It keeps no state between chunks; see
// Tracker for cross-chunk status tracking.
type Parser struct {
	vocab *Vocabulary
	newID func() string
}

func NewParser(vocab *Vocabulary) *Parser {
	return &Parser{
		vocab: vocab,
		newID: func() string { return "call_" + uuid.NewString() },
	}
}

// Vocabulary exposes the parser's tool vocabulary for extension.
func (p *Parser) Vocabulary() *Vocabulary {
	return p.vocab
}

// ParseChunk returns one tool_call fragment when the chunk opens a known tool,
// nothing when the chunk is only tree decoration, and otherwise the chunk
// unchanged as a single text fragment.
func (p *Parser) ParseChunk(chunk string) []Fragment {
	plain := ansi.Strip(chunk)
	if name, ok := p.openedTool(plain); ok {
		return []Fragment{ToolCallFragment(ToolCall{
			ID:     p.newID(),
			Name:   name,
			Status: statusOf(plain),
		})}
	}
	if isDecorationOnly(plain) {
		return nil
	}
	return []Fragment{TextFragment(chunk)}
}

// HasToolCallPattern reports whether text opens any known tool.
func (p *Parser) HasToolCallPattern(text string) bool {
	_, ok := p.openedTool(ansi.Strip(text))
	return ok
}

// openedTool finds the first opening marker, anywhere on a line, whose next
// token is a known tool.
func (p *Parser) openedTool(plain string) (string, bool) {
	for _, line := range strings.Split(plain, "\n") {
		rest := line
		for {
			i := strings.Index(rest, OpenMarker)
			if i < 0 {
				break
			}
			rest = rest[i+len(OpenMarker):]
			fields := strings.Fields(rest)
			if len(fields) > 0 && p.vocab.Match(fields[0]) {
				return fields[0], true
			}
		}
	}
	return "", false
}

func statusOf(plain string) Status {
	switch {
	case strings.Contains(plain, SuccessMarker):
		return StatusSuccess
	case strings.Contains(plain, FailureMarker):
		return StatusError
	default:
		return StatusPending
	}
}

func isDecorationOnly(plain string) bool {
	sawLine := false
	for _, line := range strings.Split(plain, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		sawLine = true
		if !hasContinuationPrefix(trimmed) {
			return false
		}
	}
	return sawLine
}

func hasContinuationPrefix(line string) bool {
	for _, prefix := range continuationPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
