package acp

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/m4xw311/qodo-acp/config"
	"github.com/m4xw311/qodo-acp/errors"
	"github.com/m4xw311/qodo-acp/logging"
	"github.com/m4xw311/qodo-acp/session"
	"github.com/m4xw311/qodo-acp/tools"
)

const (
	serverName     = "qodo-acp-adapter"
	defaultVersion = "0.1.0"
)

// Options configures a Server.
type Options struct {
	Bridge Bridge
	// Parser classifies CLI output; nil uses the default tool vocabulary.
	Parser *tools.Parser
	// TrackToolStatus reports tool completions that arrive after the chunk
	// that opened the call.
	TrackToolStatus bool
	Logger          logging.Logger
	Version         string
}

type chunkParser interface {
	ParseChunk(chunk string) []tools.Fragment
}

// Server handles one client connection. Messages are processed one at a
// time in arrival order; turns run concurrently and every write goes through
// a single lock.
type Server struct {
	transport Transport
	bridge    Bridge
	parser    *tools.Parser
	track     bool
	log       logging.Logger
	version   string

	// initialized is only touched by the goroutine running Run.
	initialized bool

	writeMu      sync.Mutex
	turns        sync.WaitGroup
	shutdownOnce sync.Once
	newID        func() string
}

func NewServer(t Transport, opts Options) (*Server, error) {
	if opts.Bridge == nil {
		return nil, errors.New("acp: a bridge is required")
	}
	parser := opts.Parser
	if parser == nil {
		vocab, err := tools.NewVocabulary(config.DefaultKnownTools)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build tool vocabulary")
		}
		parser = tools.NewParser(vocab)
	}
	version := opts.Version
	if version == "" {
		version = defaultVersion
	}
	return &Server{
		transport: t,
		bridge:    opts.Bridge,
		parser:    parser,
		track:     opts.TrackToolStatus,
		log:       opts.Logger.WithName("acp"),
		version:   version,
		newID:     func() string { return "msg_" + uuid.NewString() },
	}, nil
}

// Run reads and dispatches messages until the transport reports EOF or ctx
// is cancelled. Turns started by Run use ctx, so cancelling it stops them.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server started, waiting for messages")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		data, err := s.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("client closed the connection")
				return nil
			}
			return errors.Wrapf(err, "acp: read error")
		}
		if len(data) == 0 {
			continue
		}
		s.handleMessage(ctx, data)
	}
}

// Shutdown kills every running turn and forgets all sessions. It is safe to
// call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down")
		s.bridge.Cleanup()
	})
}

// Wait blocks until every turn started by Run has sent its final message.
func (s *Server) Wait() {
	s.turns.Wait()
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	s.log.Debug("received", "message", string(data))

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		id := gjson.GetBytes(data, "id")
		if !id.Exists() || id.Type == gjson.Null {
			s.log.Error(err, "dropping malformed message")
			return
		}
		s.replyError(json.RawMessage(id.Raw), CodeInternalError, "Internal error", err.Error())
		return
	}
	if msg.isResponse() {
		s.log.Debug("ignoring response from client", "id", string(msg.ID))
		return
	}
	if isNull(msg.ID) {
		msg.ID = nil
	}

	m, ok := Lookup(msg.Method)
	if !ok {
		s.log.Debug("method not found", "method", msg.Method, "params", string(msg.Params))
		s.replyError(msg.ID, CodeMethodNotFound, "Method not found: "+msg.Method, nil)
		return
	}
	if m.Op != OpInitialize && !s.initialized {
		s.replyError(msg.ID, CodeNotInitialized, "Server not initialized", nil)
		return
	}

	params, err := decodeParams(m, msg.Params)
	if err != nil {
		s.replyError(msg.ID, CodeInvalidParams, "Invalid params", err.Error())
		return
	}

	switch p := params.(type) {
	case *InitializeParams:
		s.handleInitialize(msg.ID, p)
	case *CreateSessionParams:
		s.handleCreateSession(msg.ID, m, p)
	case *PromptParams:
		s.handlePrompt(ctx, msg.ID, p)
	case *SendMessageParams:
		s.handleSendMessage(ctx, msg.ID, p)
	case *CancelParams:
		s.handleCancel(msg.ID, p)
	case *ListSessionsParams:
		s.reply(msg.ID, map[string]any{"threads": s.bridge.ListSessions()})
	}
}

func (s *Server) handleInitialize(id json.RawMessage, p *InitializeParams) {
	if p.ClientInfo != nil {
		s.log.Info("client connected", "client", p.ClientInfo.Name, "version", p.ClientInfo.Version)
	}
	s.initialized = true
	s.reply(id, map[string]any{
		"protocolVersion": 1,
		"capabilities": map[string]bool{
			"tools":          true,
			"followLinks":    false,
			"editOperations": true,
		},
		"agentCapabilities": map[string]any{
			"promptCapabilities": map[string]bool{
				"image":           true,
				"embeddedContext": true,
			},
		},
		"serverInfo": map[string]string{
			"name":    serverName,
			"version": s.version,
		},
		"authMethods": []map[string]string{
			{
				"id":          "qodo-login",
				"name":        "Log in with Qodo Command",
				"description": "Run `qodo` in the terminal",
			},
		},
	})
}

func (s *Server) handleCreateSession(id json.RawMessage, m Method, p *CreateSessionParams) {
	sid, err := s.bridge.CreateSession(p.Metadata)
	if err != nil {
		s.replyError(id, CodeInternalError, "Internal error", err.Error())
		return
	}
	key := "threadId"
	if m.Name == MethodSessionNew {
		key = "sessionId"
	}
	result := map[string]any{key: sid}
	if p.Metadata != nil {
		result["metadata"] = p.Metadata
	}
	s.reply(id, result)
}

// handlePrompt starts the turn before returning so a second turn on the same
// session is rejected in order; the response is sent once the turn ends.
func (s *Server) handlePrompt(ctx context.Context, id json.RawMessage, p *PromptParams) {
	sid := p.SessionID
	parser := s.chunkParser()
	onProgress := func(chunk string) {
		for _, frag := range parser.ParseChunk(chunk) {
			s.sessionUpdate(sid, fragmentUpdate(frag))
		}
	}

	turn, err := s.bridge.Start(ctx, sid, JoinText(p.Prompt), onProgress)
	if err != nil {
		if s.replySessionError(id, err) {
			return
		}
		s.log.Error(err, "failed to start turn", "sessionId", sid)
		s.sessionUpdate(sid, textUpdate(errorText(err)))
		s.reply(id, map[string]string{"stopReason": "error"})
		return
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		stopReason := "end_turn"
		if err := turn.Wait(); err != nil {
			s.log.Error(err, "turn failed", "sessionId", sid)
			s.sessionUpdate(sid, textUpdate(errorText(err)))
			stopReason = "error"
		}
		s.reply(id, map[string]string{"stopReason": stopReason})
	}()
}

// handleSendMessage replies with a fresh message id before any progress for
// it is written; output chunks wait for that reply.
func (s *Server) handleSendMessage(ctx context.Context, id json.RawMessage, p *SendMessageParams) {
	sid := p.Session()
	messageID := s.newID()
	parser := s.chunkParser()
	ready := make(chan struct{})
	onProgress := func(chunk string) {
		<-ready
		var content []map[string]any
		for _, frag := range parser.ParseChunk(chunk) {
			content = append(content, fragmentContent(frag))
		}
		if len(content) == 0 {
			return
		}
		s.progress(sid, messageID, map[string]any{
			"delta": map[string]any{"content": content},
		})
	}

	turn, err := s.bridge.Start(ctx, sid, JoinText(p.Message.Content), onProgress)
	if err != nil && s.replySessionError(id, err) {
		return
	}
	s.reply(id, map[string]any{
		"messageId": messageID,
		"role":      "assistant",
		"content":   []any{},
		"metadata":  map[string]any{},
	})
	close(ready)

	if err != nil {
		s.log.Error(err, "failed to start turn", "sessionId", sid)
		s.progressError(sid, messageID, err)
		return
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		if err := turn.Wait(); err != nil {
			s.log.Error(err, "turn failed", "sessionId", sid, "messageId", messageID)
			s.progressError(sid, messageID, err)
			return
		}
		s.progress(sid, messageID, map[string]any{
			"metadata": map[string]any{"status": "complete"},
		})
	}()
}

func (s *Server) handleCancel(id json.RawMessage, p *CancelParams) {
	sid := p.Session()
	if !s.bridge.MarkCancelled(sid) {
		s.log.Debug("cancel for unknown session", "sessionId", sid)
		s.reply(id, map[string]bool{"success": true})
		return
	}
	if err := s.bridge.StopGeneration(sid); err != nil {
		s.log.Error(err, "failed to stop generation", "sessionId", sid)
		s.replyError(id, CodeInternalError, "Failed to stop generation", err.Error())
		return
	}
	s.reply(id, map[string]bool{"success": true})
}

func (s *Server) chunkParser() chunkParser {
	if s.track {
		return s.parser.NewTracker()
	}
	return s.parser
}

// replySessionError answers lookup failures from the bridge and reports
// whether err was one of them.
func (s *Server) replySessionError(id json.RawMessage, err error) bool {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.replyError(id, CodeSessionNotFound, "Session not found", err.Error())
	case errors.Is(err, session.ErrSessionBusy):
		s.replyError(id, CodeSessionBusy, "Session busy", err.Error())
	default:
		return false
	}
	return true
}

func errorText(err error) string {
	return "Error: " + err.Error()
}

func textUpdate(text string) map[string]any {
	return map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
	}
}

func fragmentUpdate(frag tools.Fragment) map[string]any {
	if frag.Kind != tools.KindToolCall || frag.ToolCall == nil {
		return textUpdate(frag.Text)
	}
	tc := frag.ToolCall
	if tc.Update {
		return map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    tc.ID,
			"status":        toolCallStatus(tc.Status),
		}
	}
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    tc.ID,
		"title":         tc.Name,
		"kind":          toolKind(tc.Name),
		"status":        toolCallStatus(tc.Status),
	}
}

func fragmentContent(frag tools.Fragment) map[string]any {
	if frag.Kind != tools.KindToolCall || frag.ToolCall == nil {
		return map[string]any{"type": "text", "text": frag.Text}
	}
	return map[string]any{
		"type":     "tool_call",
		"toolName": frag.ToolCall.Name,
		"status":   string(frag.ToolCall.Status),
	}
}

func toolCallStatus(st tools.Status) string {
	switch st {
	case tools.StatusSuccess:
		return "completed"
	case tools.StatusError:
		return "failed"
	default:
		return "pending"
	}
}

// toolKind maps the CLI's tool names onto ACP tool kinds.
func toolKind(name string) string {
	switch name {
	case "read_files", "list_files", "list_files_in_directories", "directory_tree", "get_current_directory":
		return "read"
	case "write_file", "create_file", "replace_in_file":
		return "edit"
	case "delete_file":
		return "delete"
	case "move_file":
		return "move"
	case "search_files":
		return "search"
	default:
		return "other"
	}
}

func (s *Server) sessionUpdate(sessionID string, update map[string]any) {
	s.notify(notifySessionUpdate, map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

func (s *Server) progress(sessionID, messageID string, fields map[string]any) {
	params := map[string]any{
		"sessionId": sessionID,
		"threadId":  sessionID,
		"messageId": messageID,
	}
	for k, v := range fields {
		params[k] = v
	}
	s.notify(notifyAgentProgress, params)
}

func (s *Server) progressError(sessionID, messageID string, err error) {
	s.progress(sessionID, messageID, map[string]any{
		"metadata": map[string]any{
			"status": "error",
			"error":  err.Error(),
		},
	})
}

// reply answers a request. Notifications have no id and get no answer.
func (s *Server) reply(id json.RawMessage, result any) {
	if id == nil {
		return
	}
	s.write(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func (s *Server) replyError(id json.RawMessage, code int, msg string, data any) {
	if id == nil {
		s.log.Debug("not replying to notification", "code", code, "error", msg)
		return
	}
	s.write(response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: msg, Data: data},
	})
}

func (s *Server) notify(method string, params any) {
	s.write(notification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func (s *Server) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error(err, "failed to serialize message")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.WriteMessage(data); err != nil {
		s.log.Error(err, "failed to write message")
		return
	}
	s.log.Debug("sent", "message", string(data))
}
