package process

import (
	"syscall"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/example/measure-app/internal/logging"
)

// Canceller escalates a run's teardown: one graceful stop signal to
// every live child, a once-per-second liveness poll bounded by the
// cleanup grace period, then a forceful kill for survivors.
type Canceller struct {
	grace time.Duration
	log   *logging.Logger
	fired atomic.Bool
}

// NewCanceller returns a canceller with the given cleanup grace period.
func NewCanceller(grace time.Duration, log *logging.Logger) *Canceller {
	return &Canceller{grace: grace, log: log}
}

// Escalate runs the two-phase teardown at most once; later calls return
// immediately. SIGTERM goes to every child that has not yet exited,
// whether or not its driver advertised cancellation support. Escalate
// may block for up to the grace period before the surviving children are
// killed.
func (c *Canceller) Escalate(handles []*Handle) {
	if !c.fired.CompareAndSwap(false, true) {
		return
	}

	live := make([]*Handle, 0, len(handles))
	for _, h := range handles {
		if h.signal(syscall.SIGTERM) {
			live = append(live, h)
		}
	}
	c.log.Info("sent graceful stop to running drivers",
		zap.Int("running", len(live)), zap.Duration("grace", c.grace))
	if len(live) == 0 {
		return
	}

	deadline := time.Now().Add(c.grace)
	for time.Now().Before(deadline) {
		time.Sleep(time.Second)
		live = stillRunning(live)
		if len(live) == 0 {
			return
		}
	}

	for _, h := range live {
		c.log.Warn("grace period expired, killing driver", zap.String("driver", h.driver))
		h.kill()
	}
}

func stillRunning(handles []*Handle) []*Handle {
	live := handles[:0]
	for _, h := range handles {
		if h.running() {
			live = append(live, h)
		}
	}
	return live
}
