package process

import (
	"bytes"
	"os/exec"
	"syscall"
)

// Handle is the run-scoped record for one child process. Its fields are
// mutated only by the coordinating loop inside Run; the canceller probes
// and signals the process but never touches loop-owned state.
type Handle struct {
	driver     string
	cmd        *exec.Cmd
	stdoutOpen bool
	stderrOpen bool
	stderr     bytes.Buffer
	progress   int
	result     string
	resultSet  bool
	exitCode   int
	exitKnown  bool
	waited     bool
	err        error
}

// running probes child liveness without consuming its exit status.
func (h *Handle) running() bool {
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// signal delivers sig and reports whether the process was still alive to
// receive it.
func (h *Handle) signal(sig syscall.Signal) bool {
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	return h.cmd.Process.Signal(sig) == nil
}

// kill force-terminates the child. An error only means it is already
// gone.
func (h *Handle) kill() {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Kill()
}
