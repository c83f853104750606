package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/qodo-acp/tools"
)

// Runner executes turns. *bridge.Bridge satisfies it.
type Runner interface {
	CreateSession(metadata map[string]any) (string, error)
	SendMessage(ctx context.Context, sessionID, text string, onProgress func(string)) error
}

// Terminal handles the interactive mode: one session, one turn per line.
type Terminal struct {
	runner Runner
	parser *tools.Parser
	track  bool
	in     io.Reader
	out    io.Writer

	sessionID string
}

// New creates a Terminal reading prompts from in and printing to out.
func New(r Runner, parser *tools.Parser, trackToolStatus bool, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		runner: r,
		parser: parser,
		track:  trackToolStatus,
		in:     in,
		out:    out,
	}
}

// Run starts the interactive session. An initial prompt, if given, is sent
// before the first line is read. EOF or /quit ends the session.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	id, err := t.runner.CreateSession(nil)
	if err != nil {
		return err
	}
	t.sessionID = id

	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(t.out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		if err := t.processTurn(ctx, input); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
	return scanner.Err()
}

// processTurn sends one prompt and prints the reply as it streams.
func (t *Terminal) processTurn(ctx context.Context, input string) error {
	parse := t.parser.ParseChunk
	if t.track {
		parse = t.parser.NewTracker().ParseChunk
	}

	fmt.Fprint(t.out, "Qodo: ")
	err := t.runner.SendMessage(ctx, t.sessionID, input, func(chunk string) {
		for _, frag := range parse(chunk) {
			if frag.Kind == tools.KindToolCall {
				fmt.Fprint(t.out, "\n"+tools.FormatToolCall(*frag.ToolCall))
				continue
			}
			fmt.Fprint(t.out, frag.Text)
		}
	})
	fmt.Fprintln(t.out)
	return err
}
