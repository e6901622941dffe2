// Package process owns the child-process side of a run: it spawns every
// driver up front, multiplexes their stdin/stdout/stderr through one
// coordinating loop, tracks per-driver progress and results, and
// escalates a two-phase teardown on failure, timeout, or external
// cancellation.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/measure-app/internal/errs"
	"github.com/example/measure-app/internal/logging"
	"github.com/example/measure-app/pkg/protocol"
)

const (
	// stdinChunk bounds one stdin write so feeding one child cannot
	// monopolize anything; 512 bytes is the conservative atomic pipe
	// write size.
	stdinChunk = 512
	// stderrChunk bounds one stderr read.
	stderrChunk = 4096
	// maxLineBytes bounds one stdout line; longer lines are protocol
	// violations.
	maxLineBytes = 1 << 20

	// pollInterval bounds how long the loop waits with no event, so the
	// deadline and cancellation are re-checked regardless.
	pollInterval = time.Second
	// reapWait bounds each of the two waits for missing exit statuses
	// after the streams have closed.
	reapWait = 5 * time.Second

	eventBuffer = 64
)

// Request describes one child process to run.
type Request struct {
	Driver string
	Path   string
	Args   []string
	// Stdin is written once, in bounded chunks, then the pipe closes.
	// Empty means close immediately with no payload.
	Stdin []byte
}

// Result is what one child left behind.
type Result struct {
	Driver string
	// ExitCode is -1 unless Exited is true.
	ExitCode int
	// Exited reports whether an exit status was determined at all.
	Exited bool
	// Stdout is the first non-progress line, verbatim; empty when the
	// driver never wrote a terminal result.
	Stdout string
	Stderr string
	// Err records a protocol violation or spawn failure observed during
	// the run.
	Err error
}

// ProgressFunc receives the recomputed global minimum progress and, when
// the triggering driver attached one, its message.
type ProgressFunc func(min int, driver, message string)

// Options controls one Run.
type Options struct {
	// EscalateOnFailure escalates the whole run as soon as any child
	// exits nonzero.
	EscalateOnFailure bool
	// Timeout bounds the run's wall-clock time; zero means no deadline.
	Timeout time.Duration
	// OnProgress, when set, is called from the coordinating loop
	// whenever the global minimum changes or a driver sent a message.
	OnProgress ProgressFunc
}

// Multiplexer runs N driver processes concurrently, multiplexing their
// pipes through one coordinating loop that exclusively owns the handle
// table.
type Multiplexer struct {
	grace time.Duration
	log   *logging.Logger
}

// NewMultiplexer returns a multiplexer whose escalations use the given
// cleanup grace period.
func NewMultiplexer(grace time.Duration, log *logging.Logger) *Multiplexer {
	return &Multiplexer{grace: grace, log: log}
}

type eventKind int

const (
	evLine eventKind = iota
	evStdoutEOF
	evStderr
	evStderrEOF
	evExit
)

// event is one observation from a stream pump or a waiter, applied to
// the handle table only by the coordinating loop.
type event struct {
	idx  int
	kind eventKind
	line string
	data []byte
	code int
	ok   bool
	err  error
}

// runState is the run-scoped state owned exclusively by the coordinating
// loop. It never outlives one Run call.
type runState struct {
	handles    []*Handle
	events     chan event
	started    time.Time
	lastMin    int
	cancelled  bool
	escalated  bool
	timeoutMsg string
}

// Run spawns every request up front and multiplexes the children's
// streams until all of them have closed, then reaps exit statuses. The
// returned slice carries one result per request, in request order, no
// matter how the run went; a non-empty timeout message reports that the
// run hit its deadline. Cancelling ctx is the external-termination path:
// the loop observes it at its next iteration boundary and escalates.
func (m *Multiplexer) Run(ctx context.Context, requests []Request, opts Options) ([]Result, string) {
	run := &runState{
		handles: make([]*Handle, len(requests)),
		started: time.Now(),
	}
	buf := eventBuffer
	if n := 2 * len(requests); n > buf {
		buf = n
	}
	run.events = make(chan event, buf)
	for i, req := range requests {
		run.handles[i] = m.spawn(req, i, run.events)
	}

	canceller := NewCanceller(m.grace, m.log)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	done := ctx.Done()

	for openStreams(run.handles) > 0 {
		select {
		case ev := <-run.events:
			m.apply(run, ev, opts)
		case <-ticker.C:
		case <-done:
			run.cancelled = true
			done = nil
		}
		m.checkEscalation(run, opts, canceller)
	}

	m.reap(run)

	results := make([]Result, len(run.handles))
	for i, h := range run.handles {
		results[i] = Result{
			Driver:   h.driver,
			ExitCode: h.exitCode,
			Exited:   h.waited && h.exitKnown,
			Stdout:   h.result,
			Stderr:   h.stderr.String(),
			Err:      h.err,
		}
	}
	return results, run.timeoutMsg
}

// spawn starts one child and its stream goroutines. On failure the
// returned handle carries the error and no process.
func (m *Multiplexer) spawn(req Request, idx int, events chan<- event) *Handle {
	h := &Handle{driver: req.Driver, exitCode: -1}

	cmd := exec.Command(req.Path, req.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.err = fmt.Errorf("stdin pipe for %s: %w", req.Driver, err)
		return h
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.err = fmt.Errorf("stdout pipe for %s: %w", req.Driver, err)
		return h
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.err = fmt.Errorf("stderr pipe for %s: %w", req.Driver, err)
		return h
	}
	if err := cmd.Start(); err != nil {
		h.err = fmt.Errorf("starting driver %s: %w", req.Driver, err)
		return h
	}
	h.cmd = cmd
	h.stdoutOpen = true
	h.stderrOpen = true
	m.log.Debug("spawned driver",
		zap.String("driver", req.Driver),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("stdin_bytes", len(req.Stdin)))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go stdoutPump(idx, stdout, events, &pumps)
	go stderrPump(idx, stderr, events, &pumps)
	go writeStdin(stdin, req.Stdin)

	// Wait only after both pumps finished, so Wait cannot close the
	// pipes under a pending read.
	go func() {
		pumps.Wait()
		code, known := waitOutcome(cmd.Wait())
		events <- event{idx: idx, kind: evExit, code: code, ok: known}
	}()
	return h
}

// apply folds one event into the handle table.
func (m *Multiplexer) apply(run *runState, ev event, opts Options) {
	h := run.handles[ev.idx]
	switch ev.kind {
	case evLine:
		if ev.err != nil {
			m.violation(h, "", ev.err)
			return
		}
		m.consumeLine(run, h, ev.line, opts)
	case evStdoutEOF:
		h.stdoutOpen = false
	case evStderr:
		h.stderr.Write(ev.data)
	case evStderrEOF:
		h.stderrOpen = false
	case evExit:
		h.waited = true
		h.exitKnown = ev.ok
		h.exitCode = ev.code
		m.log.Debug("driver exited",
			zap.String("driver", h.driver), zap.Int("code", ev.code))
	}
}

func (m *Multiplexer) consumeLine(run *runState, h *Handle, raw string, opts Options) {
	if h.resultSet {
		m.log.Debug("output after terminal result ignored", zap.String("driver", h.driver))
		return
	}
	line, err := protocol.DecodeLine([]byte(raw))
	if err != nil {
		m.violation(h, raw, err)
		return
	}
	if line.Kind == protocol.LineResult {
		h.result = raw
		h.resultSet = true
		return
	}

	h.progress = line.Progress.Value
	min := minProgress(run.handles)
	if opts.OnProgress != nil && (min != run.lastMin || line.Progress.Message != "") {
		opts.OnProgress(min, h.driver, line.Progress.Message)
	}
	run.lastMin = min
}

// violation records a protocol violation and terminates the child. The
// run itself continues; escalation only follows from the resulting exit
// code when EscalateOnFailure is set.
func (m *Multiplexer) violation(h *Handle, raw string, cause error) {
	if h.err == nil {
		h.err = &errs.ProtocolError{Driver: h.driver, Line: raw, Cause: cause}
	}
	m.log.Warn("protocol violation, terminating driver",
		zap.String("driver", h.driver), zap.Error(cause))
	h.kill()
}

// checkEscalation fires the canceller at most once per run, on the first
// of: external cancellation, deadline exceeded, or a failed child with
// EscalateOnFailure set.
func (m *Multiplexer) checkEscalation(run *runState, opts Options, canceller *Canceller) {
	if run.escalated {
		return
	}
	switch {
	case run.cancelled:
		m.log.Warn("external cancellation requested, escalating")
	case opts.Timeout > 0 && time.Since(run.started) > opts.Timeout:
		run.timeoutMsg = fmt.Sprintf("run timed out after %s", opts.Timeout)
		m.log.Warn("deadline exceeded, escalating", zap.Duration("timeout", opts.Timeout))
	case opts.EscalateOnFailure && anyFailed(run.handles):
		m.log.Warn("driver failed, escalating siblings")
	default:
		return
	}
	run.escalated = true
	canceller.Escalate(run.handles)
}

// reap collects exit statuses once every stream has closed: wait
// briefly for natural exits, kill stragglers, wait briefly again.
func (m *Multiplexer) reap(run *runState) {
	if m.awaitExits(run, reapWait) {
		return
	}
	for _, h := range run.handles {
		if h.cmd != nil && !h.waited {
			m.log.Warn("driver did not exit, killing", zap.String("driver", h.driver))
			h.kill()
		}
	}
	if !m.awaitExits(run, reapWait) {
		for _, h := range run.handles {
			if h.cmd != nil && !h.waited {
				m.log.Error("driver exit status unknown", zap.String("driver", h.driver))
			}
		}
	}
}

// awaitExits drains exit events until every spawned handle has one or
// the wait elapses.
func (m *Multiplexer) awaitExits(run *runState, wait time.Duration) bool {
	pending := 0
	for _, h := range run.handles {
		if h.cmd != nil && !h.waited {
			pending++
		}
	}
	if pending == 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for pending > 0 {
		select {
		case ev := <-run.events:
			if ev.kind != evExit {
				continue
			}
			h := run.handles[ev.idx]
			h.waited = true
			h.exitKnown = ev.ok
			h.exitCode = ev.code
			pending--
		case <-timer.C:
			return false
		}
	}
	return true
}

func stdoutPump(idx int, r io.Reader, events chan<- event, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		events <- event{idx: idx, kind: evLine, line: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		events <- event{idx: idx, kind: evLine, err: err}
	}
	events <- event{idx: idx, kind: evStdoutEOF}
}

func stderrPump(idx int, r io.Reader, events chan<- event, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, stderrChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			events <- event{idx: idx, kind: evStderr, data: chunk}
		}
		if err != nil {
			events <- event{idx: idx, kind: evStderrEOF}
			return
		}
	}
}

// writeStdin feeds the payload in bounded chunks, then closes the pipe
// to signal end of input. An empty payload closes immediately.
func writeStdin(w io.WriteCloser, payload []byte) {
	defer w.Close()
	for len(payload) > 0 {
		n := len(payload)
		if n > stdinChunk {
			n = stdinChunk
		}
		if _, err := w.Write(payload[:n]); err != nil {
			return
		}
		payload = payload[n:]
	}
}

// waitOutcome maps a cmd.Wait error to an exit code and whether the
// status was determined. Signal deaths surface as code -1 with a known
// status.
func waitOutcome(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return -1, false
}

func openStreams(handles []*Handle) int {
	n := 0
	for _, h := range handles {
		if h.stdoutOpen {
			n++
		}
		if h.stderrOpen {
			n++
		}
	}
	return n
}

// anyFailed reports whether any child is already known to have failed:
// a spawn error, an undetermined status, or a nonzero exit.
func anyFailed(handles []*Handle) bool {
	for _, h := range handles {
		if h.cmd == nil {
			return true
		}
		if h.waited && (!h.exitKnown || h.exitCode != 0) {
			return true
		}
	}
	return false
}

// minProgress is the externally visible progress: the minimum over every
// handle's last-known value.
func minProgress(handles []*Handle) int {
	if len(handles) == 0 {
		return 0
	}
	min := handles[0].progress
	for _, h := range handles[1:] {
		if h.progress < min {
			min = h.progress
		}
	}
	return min
}
