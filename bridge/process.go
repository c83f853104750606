package bridge

import (
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/m4xw311/qodo-acp/errors"
)

// interruptByte is what a terminal sends on Ctrl-C.
const interruptByte = 0x03

// process is one running invocation of the external CLI. It leads its own
// process group so that Kill also reaches anything it spawned.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	done   chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

func startProcess(name string, args []string, env map[string]string, dir string) (*process, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Dir = dir
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create stdin pipe")
	}
	// Plain file pipes: Wait returns at process exit, not at pipe EOF.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrapf(err, "failed to create stdout pipe")
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdin, stdout, stdoutW)
		return nil, errors.Wrapf(err, "failed to create stderr pipe")
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdin, stdout, stderr)
		return nil, errors.Wrapf(err, "failed to start %s", name)
	}
	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

func (p *process) Interrupt() error {
	if p.exited() {
		return nil
	}
	if _, err := p.stdin.Write([]byte{interruptByte}); err != nil && !isGone(err) {
		return errors.Wrapf(err, "failed to send interrupt to pid %d", p.pid())
	}
	return nil
}

// Kill terminates the process and every member of its process group.
func (p *process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := killProcessGroup(p.cmd); err != nil {
		return errors.Wrapf(err, "failed to kill pid %d", p.pid())
	}
	return nil
}

// armKill schedules fn after d, replacing any earlier schedule. Nothing is
// scheduled once the process has exited.
func (p *process) armKill(d time.Duration, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited() {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, fn)
	return true
}

// wait reaps the process, marks it exited and cancels any pending kill. It
// returns as soon as the process itself exits, whoever still holds its
// output pipes. A process killed by a signal reports -1.
func (p *process) wait() int {
	err := p.cmd.Wait()

	p.mu.Lock()
	close(p.done)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// closeOutput releases the read ends of the output pipes, which unblocks any
// pending read.
func (p *process) closeOutput() {
	closeAll(p.stdout, p.stderr)
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func isGone(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}

// mergeEnv returns base with every key in overrides set to its override
// value, replacing inherited entries rather than appending duplicates.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
