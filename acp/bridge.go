package acp

import (
	"context"

	"github.com/m4xw311/qodo-acp/bridge"
)

// Bridge runs turns for the server.
type Bridge interface {
	CreateSession(metadata map[string]any) (string, error)
	// Start launches a turn and returns once the process is running.
	// onProgress receives output in order until the turn ends.
	Start(ctx context.Context, sessionID, text string, onProgress func(string)) (Turn, error)
	// MarkCancelled flags a session's turn as cancelled; false means the
	// session is unknown.
	MarkCancelled(sessionID string) bool
	StopGeneration(sessionID string) error
	ListSessions() []string
	Cleanup()
}

// Turn is a running turn.
type Turn interface {
	Wait() error
}

type processBridge struct {
	*bridge.Bridge
}

// NewProcessBridge serves turns by running the external CLI through b.
func NewProcessBridge(b *bridge.Bridge) Bridge {
	return processBridge{Bridge: b}
}

func (p processBridge) Start(ctx context.Context, sessionID, text string, onProgress func(string)) (Turn, error) {
	t, err := p.Bridge.Start(ctx, sessionID, text, onProgress)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p processBridge) MarkCancelled(sessionID string) bool {
	return p.Registry().MarkCancelled(sessionID)
}
