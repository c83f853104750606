package tools

import "github.com/charmbracelet/x/ansi"

// Tracker wraps a Parser with per-turn memory of the last pending tool call.
// When the terminal marker for that call arrives in a later decoration-only
// chunk, the tracker reports a status update instead of dropping the chunk.
// A Tracker belongs to one turn and is not safe for concurrent use.
type Tracker struct {
	parser  *Parser
	pending *ToolCall
}

func (p *Parser) NewTracker() *Tracker {
	return &Tracker{parser: p}
}

func (t *Tracker) ParseChunk(chunk string) []Fragment {
	frags := t.parser.ParseChunk(chunk)
	switch {
	case len(frags) == 1 && frags[0].Kind == KindToolCall:
		tc := *frags[0].ToolCall
		if tc.Status == StatusPending {
			t.pending = &tc
		} else {
			t.pending = nil
		}
	case len(frags) == 0 && t.pending != nil:
		status := statusOf(ansi.Strip(chunk))
		if status == StatusPending {
			return nil
		}
		update := *t.pending
		update.Status = status
		update.Update = true
		t.pending = nil
		return []Fragment{ToolCallFragment(update)}
	}
	return frags
}
