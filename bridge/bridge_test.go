package bridge

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/m4xw311/qodo-acp/errors"
	"github.com/m4xw311/qodo-acp/logging"
	"github.com/m4xw311/qodo-acp/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is the fake CLI the bridge tests
// spawn; the turn text selects its behaviour.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(64)
	}
	switch args[len(args)-1] {
	case "exit0-silent":
		os.Exit(0)
	case "fail-with-output":
		fmt.Print("one ")
		time.Sleep(20 * time.Millisecond)
		fmt.Print("two ")
		time.Sleep(20 * time.Millisecond)
		fmt.Print("three")
		os.Exit(3)
	case "fail-silent":
		fmt.Fprint(os.Stderr, "auth required")
		os.Exit(2)
	case "fail-no-stderr":
		os.Exit(1)
	case "split-rune":
		os.Stdout.Write([]byte{'h', 0xc3})
		os.Stdout.Sync()
		time.Sleep(50 * time.Millisecond)
		os.Stdout.Write([]byte{0xa9, 'l', 'l', 'o'})
		os.Exit(0)
	case "env":
		fmt.Printf("%s|%s|%s", os.Getenv("CI"), os.Getenv("NO_COLOR"), os.Getenv("TERM"))
		os.Exit(0)
	case "graceful":
		fmt.Print("working")
		r := bufio.NewReader(os.Stdin)
		for {
			b, err := r.ReadByte()
			if err != nil || b == 0x03 {
				fmt.Print(" stopped")
				os.Exit(0)
			}
		}
	case "ignore-interrupt":
		go func() {
			r := bufio.NewReader(os.Stdin)
			for {
				if _, err := r.ReadByte(); err != nil {
					return
				}
			}
		}()
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		os.Exit(65)
	}
}

func newTestBridge(t *testing.T, grace time.Duration) *Bridge {
	t.Helper()
	b := New(Options{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         map[string]string{"GO_WANT_HELPER_PROCESS": "1", "CI": "true", "NO_COLOR": "1", "TERM": "dumb"},
		GracePeriod: grace,
		Logger:      logging.Discard(),
	})
	t.Cleanup(b.Cleanup)
	return b
}

type chunks struct {
	mu  sync.Mutex
	got []string
}

func (c *chunks) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, s)
}

func (c *chunks) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.got, "")
}

func (c *chunks) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestCreateSession(t *testing.T) {
	b := newTestBridge(t, time.Second)

	id, err := b.CreateSession(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	named, err := b.CreateSession(map[string]any{"sessionId": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", named)

	again, err := b.CreateSession(map[string]any{"sessionId": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", again)

	assert.ElementsMatch(t, []string{id, "fixed"}, b.ListSessions())
}

func TestSendMessageZeroExitWithoutOutput(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	var c chunks
	require.NoError(t, b.SendMessage(context.Background(), id, "exit0-silent", c.add))
	assert.Empty(t, c.all())

	snap, _ := b.Registry().Get(id)
	assert.False(t, snap.Active)
}

func TestSendMessageNonZeroExitWithOutputSucceeds(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	var c chunks
	require.NoError(t, b.SendMessage(context.Background(), id, "fail-with-output", c.add))
	assert.Equal(t, "one two three", c.joined())
}

func TestSendMessageFailureCarriesStderr(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	err := b.SendMessage(context.Background(), id, "fail-silent", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessFailed))
	assert.Contains(t, err.Error(), "exited with code 2")
	assert.Contains(t, err.Error(), "auth required")

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)

	snap, _ := b.Registry().Get(id)
	assert.False(t, snap.Active, "a failed turn must release the session")
	require.NoError(t, b.SendMessage(context.Background(), id, "exit0-silent", nil))
}

func TestSendMessageFailureWithoutStderr(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	err := b.SendMessage(context.Background(), id, "fail-no-stderr", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No error message")
}

func TestSendMessageUnknownSession(t *testing.T) {
	b := newTestBridge(t, time.Second)
	called := false
	err := b.SendMessage(context.Background(), "ghost", "exit0-silent", func(string) { called = true })
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))
	assert.False(t, called)
	assert.Empty(t, b.ListSessions())
}

func TestSendMessageSpawnFailure(t *testing.T) {
	b := New(Options{Command: "/nonexistent/qodo", Logger: logging.Discard()})
	id, _ := b.CreateSession(nil)
	err := b.SendMessage(context.Background(), id, "hi", nil)
	require.Error(t, err)
	snap, _ := b.Registry().Get(id)
	assert.False(t, snap.Active)
}

func TestStartRejectsBusySession(t *testing.T) {
	b := newTestBridge(t, 100*time.Millisecond)
	id, _ := b.CreateSession(nil)

	turn, err := b.Start(context.Background(), id, "graceful", nil)
	require.NoError(t, err)

	_, err = b.Start(context.Background(), id, "exit0-silent", nil)
	assert.True(t, errors.Is(err, session.ErrSessionBusy))

	require.NoError(t, b.StopGeneration(id))
	require.NoError(t, turn.Wait())
}

func TestStopGenerationIdleIsNoop(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)
	assert.NoError(t, b.StopGeneration(id))
	assert.NoError(t, b.StopGeneration("ghost"))
}

func TestStopGenerationGracefulExit(t *testing.T) {
	b := newTestBridge(t, 200*time.Millisecond)
	id, _ := b.CreateSession(nil)

	var c chunks
	turn, err := b.Start(context.Background(), id, "graceful", c.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.joined() != "" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.StopGeneration(id))
	require.NoError(t, turn.Wait())
	assert.Equal(t, "working stopped", c.joined())

	turn.proc.mu.Lock()
	assert.Nil(t, turn.proc.timer, "exit must cancel the kill timer")
	turn.proc.mu.Unlock()

	snap, _ := b.Registry().Get(id)
	assert.False(t, snap.Active)
}

func TestStopGenerationKillsAfterGracePeriod(t *testing.T) {
	b := newTestBridge(t, 100*time.Millisecond)
	id, _ := b.CreateSession(nil)

	turn, err := b.Start(context.Background(), id, "ignore-interrupt", nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.StopGeneration(id))
	err = turn.Wait()
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, errors.Is(err, ErrProcessFailed))

	snap, _ := b.Registry().Get(id)
	assert.False(t, snap.Active)
}

func TestContextCancelStopsTurn(t *testing.T) {
	b := newTestBridge(t, 100*time.Millisecond)
	id, _ := b.CreateSession(nil)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := b.Start(ctx, id, "ignore-interrupt", nil)
	require.NoError(t, err)
	cancel()

	select {
	case <-turn.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not stop after context cancellation")
	}
}

func TestCleanupKillsEverything(t *testing.T) {
	b := newTestBridge(t, time.Second)
	a, _ := b.CreateSession(nil)
	c, _ := b.CreateSession(nil)
	b.CreateSession(nil)

	t1, err := b.Start(context.Background(), a, "ignore-interrupt", nil)
	require.NoError(t, err)
	t2, err := b.Start(context.Background(), c, "ignore-interrupt", nil)
	require.NoError(t, err)

	b.Cleanup()
	assert.Empty(t, b.ListSessions())
	for _, turn := range []*Turn{t1, t2} {
		select {
		case <-turn.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("cleanup left a process running")
		}
	}
	b.Cleanup()
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TERM", "xterm-256color")
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	var c chunks
	require.NoError(t, b.SendMessage(context.Background(), id, "env", c.add))
	assert.Equal(t, "true|1|dumb", c.joined())
}

func TestSplitRuneIsReassembled(t *testing.T) {
	b := newTestBridge(t, time.Second)
	id, _ := b.CreateSession(nil)

	var c chunks
	require.NoError(t, b.SendMessage(context.Background(), id, "split-rune", c.add))
	assert.Equal(t, "héllo", c.joined())
	for _, s := range c.all() {
		assert.True(t, utf8.ValidString(s), "chunk %q split a rune", s)
	}
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"ascii", []byte("abc"), 3},
		{"empty", nil, 0},
		{"complete two byte", []byte("hé"), 3},
		{"partial two byte", []byte{'h', 0xc3}, 1},
		{"partial three byte", []byte{'a', 0xe2, 0x94}, 1},
		{"complete three byte", []byte("a┌"), 4},
		{"partial four byte", []byte{0xf0, 0x9f, 0x98}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runeBoundary(tt.in))
		})
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "TERM=xterm", "CI=false", "HOME=/root"}
	got := mergeEnv(base, map[string]string{"TERM": "dumb", "CI": "true", "NO_COLOR": "1"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "CI=true", "NO_COLOR=1", "TERM=dumb"}, got)
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Command: "qodo", Code: 1}
	assert.Equal(t, "qodo process exited with code 1: No error message", err.Error())
	assert.True(t, errors.Is(err, ErrProcessFailed))
}
