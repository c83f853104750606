// Package bridge runs the external qodo CLI once per turn and streams its
// output back to the caller. It owns the session registry's process
// transitions: a process is attached when it starts and detached on every
// exit path, so no turn can leave a stale handle behind.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/m4xw311/qodo-acp/errors"
	"github.com/m4xw311/qodo-acp/logging"
	"github.com/m4xw311/qodo-acp/session"
)

// ErrProcessFailed matches every ExitError.
var ErrProcessFailed = errors.Sentinel("process failed")

const readBufferSize = 32 * 1024

// outputDrainTimeout bounds how long output is still read after the process
// exits, for pipes held open by a descendant outside its process group.
const outputDrainTimeout = 500 * time.Millisecond

// Options configures how the external CLI is launched.
type Options struct {
	// Command is the executable, looked up in PATH when not absolute.
	Command string
	// Args precede the turn text on the command line.
	Args []string
	// Env entries are set on top of the inherited environment.
	Env map[string]string
	// Dir is the working directory; empty inherits the adapter's.
	Dir string
	// GracePeriod bounds how long an interrupted process may keep running.
	GracePeriod time.Duration
	Logger      logging.Logger
	// Registry is shared with the protocol adapter; nil creates a private one.
	Registry *session.Registry
}

// ExitError reports a turn whose process exited non-zero without producing
// any output.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "No error message"
	}
	return fmt.Sprintf("%s process exited with code %d: %s", e.Command, e.Code, msg)
}

func (e *ExitError) Is(target error) bool { return target == ErrProcessFailed }

type Bridge struct {
	opts     Options
	registry *session.Registry
	log      logging.Logger
}

func New(opts Options) *Bridge {
	if opts.Command == "" {
		opts.Command = "qodo"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Second
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry()
	}
	return &Bridge{
		opts:     opts,
		registry: opts.Registry,
		log:      opts.Logger.WithName("bridge"),
	}
}

func (b *Bridge) Registry() *session.Registry {
	return b.registry
}

// CreateSession registers a new idle session. A non-empty string under
// metadata["sessionId"] is used as the id; otherwise a UUIDv7 is generated.
// No process is started until the first turn.
func (b *Bridge) CreateSession(metadata map[string]any) (string, error) {
	id, _ := metadata["sessionId"].(string)
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return "", errors.Wrapf(err, "failed to generate session id")
		}
		id = u.String()
	}
	if !b.registry.Create(id) {
		b.log.Debug("session already exists", "sessionId", id)
		return id, nil
	}
	b.log.Debug("created session", "sessionId", id)
	return id, nil
}

func (b *Bridge) ListSessions() []string {
	return b.registry.IDs()
}

// Turn is one running invocation of the CLI.
type Turn struct {
	SessionID string

	bridge     *Bridge
	proc       *process
	onProgress func(string)

	finished chan struct{}
	err      error
}

// Start launches the CLI for text on session id and begins streaming stdout
// to onProgress. Chunks are delivered in order, one call per read, from a
// single goroutine; onProgress is never called after Wait returns. Start
// fails with session.ErrSessionNotFound or session.ErrSessionBusy without
// spawning anything. Cancelling ctx interrupts the turn like StopGeneration.
func (b *Bridge) Start(ctx context.Context, id, text string, onProgress func(string)) (*Turn, error) {
	if onProgress == nil {
		onProgress = func(string) {}
	}
	var proc *process
	err := b.registry.Attach(id, func() (session.Process, error) {
		args := append(append([]string(nil), b.opts.Args...), text)
		p, err := startProcess(b.opts.Command, args, b.opts.Env, b.opts.Dir)
		if err != nil {
			return nil, err
		}
		proc = p
		return p, nil
	})
	if err != nil {
		if proc != nil {
			// Spawned, but the session was removed meanwhile; the registry
			// has killed it.
			go func() {
				proc.wait()
				proc.closeOutput()
			}()
		}
		return nil, err
	}

	log := b.log.WithValues("sessionId", id, "pid", proc.pid())
	log.Debug("process started", "command", b.opts.Command, "message", text)

	t := &Turn{
		SessionID:  id,
		bridge:     b,
		proc:       proc,
		onProgress: onProgress,
		finished:   make(chan struct{}),
	}
	go t.run(log)
	go func() {
		select {
		case <-ctx.Done():
			log.Debug("context cancelled, stopping turn")
			if err := b.stop(id, proc); err != nil {
				log.Error(err, "failed to stop turn")
			}
		case <-t.finished:
		}
	}()
	return t, nil
}

// Wait blocks until the process has exited and its output was delivered. The
// turn succeeds when the process exited zero or produced any output at all.
// The session itself is released as soon as the process exits.
func (t *Turn) Wait() error {
	<-t.finished
	return t.err
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} {
	return t.finished
}

func (t *Turn) run(log logging.Logger) {
	defer close(t.finished)

	var (
		stderr    bytes.Buffer
		gotOutput bool
		readers   sync.WaitGroup
	)
	readers.Add(2)
	go func() {
		defer readers.Done()
		if _, err := io.Copy(&stderr, t.proc.stderr); err != nil {
			log.Debug("stderr read ended", "error", err.Error())
		}
	}()
	go func() {
		defer readers.Done()
		gotOutput = t.stream(log)
	}()

	code := t.proc.wait()
	t.bridge.registry.Detach(t.SessionID, t.proc)
	// Nothing the turn started may outlive it.
	if err := t.proc.Kill(); err != nil {
		log.Error(err, "failed to kill leftover processes")
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		log.Info("output still open after exit, closing it", "code", code)
		t.proc.closeOutput()
		<-drained
	}
	t.proc.closeOutput()

	log.Debug("process exited", "code", code, "gotOutput", gotOutput, "stderr", stderr.String())
	if code == 0 || gotOutput {
		return
	}
	t.err = &ExitError{
		Command: filepath.Base(t.bridge.opts.Command),
		Code:    code,
		Stderr:  stderr.String(),
	}
}

// stream forwards stdout to onProgress as it arrives. A trailing partial
// UTF-8 sequence is held back until the rest of the rune is read.
func (t *Turn) stream(log logging.Logger) bool {
	gotOutput := false
	emit := func(b []byte) {
		if len(b) == 0 {
			return
		}
		gotOutput = true
		log.Debug("stdout chunk", "text", string(b))
		t.onProgress(string(b))
	}

	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := t.proc.stdout.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := runeBoundary(data)
			carry = append([]byte(nil), data[cut:]...)
			emit(data[:cut])
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("stdout read ended", "error", err.Error())
			}
			break
		}
	}
	emit(carry)
	return gotOutput
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// SendMessage runs one turn to completion.
func (b *Bridge) SendMessage(ctx context.Context, id, text string, onProgress func(string)) error {
	t, err := b.Start(ctx, id, text, onProgress)
	if err != nil {
		return err
	}
	return t.Wait()
}

// StopGeneration interrupts the session's running turn and kills the process
// if it is still running after the grace period. Unknown and idle sessions
// are a no-op.
func (b *Bridge) StopGeneration(id string) error {
	p, ok := b.registry.Process(id)
	if !ok {
		return nil
	}
	return b.stop(id, p)
}

func (b *Bridge) stop(id string, p session.Process) error {
	if !b.registry.IsAttached(id, p) {
		return nil
	}
	b.log.Debug("stopping generation", "sessionId", id)
	err := p.Interrupt()

	proc, ok := p.(*process)
	if !ok {
		return err
	}
	armed := proc.armKill(b.opts.GracePeriod, func() {
		if proc.exited() || !b.registry.IsAttached(id, proc) {
			return
		}
		b.log.Info("grace period elapsed, killing process", "sessionId", id, "pid", proc.pid())
		if err := proc.Kill(); err != nil {
			b.log.Error(err, "failed to kill process", "sessionId", id)
		}
	})
	if !armed {
		b.log.Debug("process exited before kill timer was armed", "sessionId", id)
	}
	return err
}

// Cleanup kills every running process and forgets all sessions. It is safe
// to call more than once.
func (b *Bridge) Cleanup() {
	live := b.registry.Drain()
	if len(live) > 0 {
		b.log.Info("cleaning up sessions", "running", len(live))
	}
	for _, p := range live {
		if err := p.Kill(); err != nil {
			b.log.Error(err, "failed to kill process during cleanup")
		}
	}
}
