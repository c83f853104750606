package acp

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/m4xw311/qodo-acp/errors"
)

// ContentItem is one element of a prompt or message body: either a bare JSON
// string or a typed object such as {"type":"text","text":"..."}.
type ContentItem struct {
	Type string
	Text string
	// Raw is the item as received.
	Raw json.RawMessage

	plain bool
}

func (c *ContentItem) UnmarshalJSON(data []byte) error {
	c.Raw = append(c.Raw[:0], data...)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		c.plain = true
		return json.Unmarshal(trimmed, &c.Text)
	}
	var typed struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &typed); err != nil {
		return err
	}
	c.Type, c.Text = typed.Type, typed.Text
	return nil
}

// PlainText returns the item's text, or "" for anything other than a string
// or a text item.
func (c ContentItem) PlainText() string {
	if c.plain || c.Type == "text" {
		return c.Text
	}
	return ""
}

// JoinText joins the text of every item with a newline. Non-text items keep
// their position as empty strings, so they still contribute a separator.
func JoinText(items []ContentItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.PlainText()
	}
	return strings.Join(parts, "\n")
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams covers both the ACP handshake, where protocolVersion is a
// number, and the older string form.
type InitializeParams struct {
	ProtocolVersion    json.RawMessage `json:"protocolVersion,omitempty"`
	ClientCapabilities map[string]any  `json:"clientCapabilities,omitempty"`
	Capabilities       map[string]any  `json:"capabilities,omitempty"`
	ClientInfo         *ClientInfo     `json:"clientInfo,omitempty"`
}

type CreateSessionParams struct {
	Cwd        string          `json:"cwd,omitempty"`
	MCPServers json.RawMessage `json:"mcpServers,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// PromptParams is the body of session/prompt and prompt.
type PromptParams struct {
	SessionID string        `json:"sessionId"`
	Prompt    []ContentItem `json:"prompt"`
}

// SendMessageParams is the body of sendMessage and agent/sendMessage.
type SendMessageParams struct {
	ThreadID  string `json:"threadId"`
	SessionID string `json:"sessionId,omitempty"`
	Message   struct {
		Role    string        `json:"role"`
		Content []ContentItem `json:"content"`
	} `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *SendMessageParams) Session() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.SessionID
}

type CancelParams struct {
	SessionID string `json:"sessionId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

func (p *CancelParams) Session() string {
	if p.SessionID != "" {
		return p.SessionID
	}
	return p.ThreadID
}

type ListSessionsParams struct{}

// UnknownParams holds the payload of a method nobody handles.
type UnknownParams struct {
	Raw json.RawMessage
}

// decodeParams decodes raw into the params type for m. Absent or null params
// decode to the zero value; required session ids are checked here.
func decodeParams(m Method, raw json.RawMessage) (any, error) {
	switch m.Op {
	case OpInitialize:
		var p InitializeParams
		return &p, unmarshalParams(raw, &p)
	case OpCreateSession:
		var p CreateSessionParams
		return &p, unmarshalParams(raw, &p)
	case OpSendTurn:
		if m.Delivery == DeliveryAsync {
			var p SendMessageParams
			if err := unmarshalParams(raw, &p); err != nil {
				return nil, err
			}
			if p.Session() == "" {
				return nil, errors.New("threadId is required")
			}
			return &p, nil
		}
		var p PromptParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, errors.New("sessionId is required")
		}
		return &p, nil
	case OpCancelTurn:
		var p CancelParams
		if err := unmarshalParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Session() == "" {
			return nil, errors.New("sessionId or threadId is required")
		}
		return &p, nil
	case OpListSessions:
		return &ListSessionsParams{}, nil
	default:
		return &UnknownParams{Raw: raw}, nil
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "failed to decode params")
	}
	return nil
}
