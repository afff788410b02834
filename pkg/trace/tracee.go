package trace

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// Tracee is the target process, spawned stopped under ptrace control.
type Tracee struct {
	cmd *exec.Cmd
	pid int

	*TraceeOptions
}

func NewTracee(opts ...TraceeOption) *Tracee {
	tracee := &Tracee{
		TraceeOptions: &TraceeOptions{
			stdout: os.Stdout,
			stderr: os.Stderr,
			logger: log.Nop(),
		},
	}
	for _, opt := range opts {
		opt(tracee)
	}
	return tracee
}

// Start launches the target. The kernel stops it with SIGTRAP before the
// first instruction of the new image; the caller must observe that stop
// with wait before touching the process. Must run on the locked OS
// thread that will issue every later ptrace call.
func (t *Tracee) Start() error {
	if t.exePath == "" {
		return ErrExePathEmpty
	}

	cmd := exec.Command(t.exePath, t.args...)
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting tracee %q", t.exePath)
	}
	t.cmd = cmd
	t.pid = cmd.Process.Pid

	t.logger.Debug().
		Int("pid", t.pid).
		Str("path", t.exePath).
		Strs("args", t.args).
		Msg("spawned tracee")

	return nil
}

func (t *Tracee) Pid() int {
	return t.pid
}

func (t *Tracee) ExePath() string {
	return t.exePath
}

// Reap tears the process down after the trace loop is done with it. The
// kill is a no-op when the tracee already exited; the wait only releases
// the handle, the loop collected the real status via wait4.
func (t *Tracee) Reap() {
	if t.cmd == nil {
		return
	}
	t.cmd.Process.Kill()
	t.cmd.Wait()
}
