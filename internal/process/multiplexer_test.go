package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/measure-app/internal/errs"
	"github.com/example/measure-app/internal/logging"
)

// writeScript drops a fake driver executable into dir. Long-running
// scripts must exec their final command so signals reach the process
// holding the pipes.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestMux(grace time.Duration) *Multiplexer {
	return NewMultiplexer(grace, logging.NewNop())
}

func TestRunCollectsResults(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "ok", `echo '{"progress": 50, "message": "halfway"}'
echo '{"status": "success", "value": 1}'
echo 'diagnostic noise' >&2
`)

	results, timeoutMsg := newTestMux(time.Second).Run(context.Background(),
		[]Request{{Driver: "ok", Path: path}}, Options{})

	assert.Empty(t, timeoutMsg)
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, "ok", res.Driver)
	assert.True(t, res.Exited)
	assert.Equal(t, 0, res.ExitCode)
	assert.JSONEq(t, `{"status": "success", "value": 1}`, res.Stdout)
	assert.Contains(t, res.Stderr, "diagnostic noise")
	assert.NoError(t, res.Err)
}

func TestProgressIsGlobalMinimum(t *testing.T) {
	dir := t.TempDir()
	sync1 := filepath.Join(dir, "sync1")
	sync2 := filepath.Join(dir, "sync2")

	// fast reports 80 first; slow reports 30 only afterwards, so the
	// single visible update must be the minimum, 30, not 80.
	fast := writeScript(t, dir, "fast", fmt.Sprintf(`echo '{"progress": 80}'
touch %s
while [ ! -e %s ]; do sleep 0.1; done
echo '{"status": "success"}'
`, sync1, sync2))
	slow := writeScript(t, dir, "slow", fmt.Sprintf(`while [ ! -e %s ]; do sleep 0.1; done
echo '{"progress": 30}'
touch %s
echo '{"status": "success"}'
`, sync1, sync2))

	var seen []int
	_, _ = newTestMux(time.Second).Run(context.Background(),
		[]Request{
			{Driver: "fast", Path: fast},
			{Driver: "slow", Path: slow},
		},
		Options{OnProgress: func(min int, driver, message string) {
			seen = append(seen, min)
		}})

	assert.Equal(t, []int{30}, seen)
}

func TestStdinWrittenInChunksThenClosed(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "echoer", `payload=$(cat)
echo "$payload"
`)
	// Larger than one 512-byte chunk, so the payload crosses several
	// bounded writes.
	payload := fmt.Sprintf(`{"pad": "%s"}`, strings.Repeat("x", 2000))

	results, _ := newTestMux(time.Second).Run(context.Background(),
		[]Request{{Driver: "echoer", Path: path, Stdin: []byte(payload)}}, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, payload, results[0].Stdout)
	assert.Equal(t, 0, results[0].ExitCode)
}

func TestEmptyStdinClosedImmediately(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "reader", `cat > /dev/null
echo '{"status": "success"}'
`)

	start := time.Now()
	results, _ := newTestMux(time.Second).Run(context.Background(),
		[]Request{{Driver: "reader", Path: path}}, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProtocolViolationKillsDriver(t *testing.T) {
	dir := t.TempDir()
	bad := writeScript(t, dir, "bad", `echo 'not-json'
exec sleep 60
`)
	good := writeScript(t, dir, "good", `echo '{"status": "success"}'`)

	start := time.Now()
	results, timeoutMsg := newTestMux(time.Second).Run(context.Background(),
		[]Request{
			{Driver: "bad", Path: bad},
			{Driver: "good", Path: good},
		}, Options{})

	assert.Empty(t, timeoutMsg)
	assert.Less(t, time.Since(start), 30*time.Second)

	var protoErr *errs.ProtocolError
	require.ErrorAs(t, results[0].Err, &protoErr)
	assert.Equal(t, "bad", protoErr.Driver)
	assert.True(t, results[0].Exited)
	assert.NotEqual(t, 0, results[0].ExitCode)

	// The sibling's result is still collected.
	assert.NoError(t, results[1].Err)
	assert.Equal(t, 0, results[1].ExitCode)
	assert.JSONEq(t, `{"status": "success"}`, results[1].Stdout)
}

func TestEscalateOnFailureStopsSiblings(t *testing.T) {
	dir := t.TempDir()
	failing := writeScript(t, dir, "failing", `echo 'it broke' >&2
exit 3
`)
	sleeper := writeScript(t, dir, "sleeper", `exec sleep 60`)

	start := time.Now()
	results, timeoutMsg := newTestMux(2*time.Second).Run(context.Background(),
		[]Request{
			{Driver: "failing", Path: failing},
			{Driver: "sleeper", Path: sleeper},
		}, Options{EscalateOnFailure: true})

	assert.Empty(t, timeoutMsg)
	assert.Less(t, time.Since(start), 30*time.Second)

	assert.Equal(t, 3, results[0].ExitCode)
	assert.Contains(t, results[0].Stderr, "it broke")

	// The sleeper was terminated by the escalation, not left to finish.
	assert.True(t, results[1].Exited)
	assert.NotEqual(t, 0, results[1].ExitCode)
}

func TestFailureWithoutEscalationWaitsForSiblings(t *testing.T) {
	dir := t.TempDir()
	failing := writeScript(t, dir, "failing", `exit 3`)
	slow := writeScript(t, dir, "slow", `sleep 2
echo '{"status": "success"}'
`)

	results, _ := newTestMux(time.Second).Run(context.Background(),
		[]Request{
			{Driver: "failing", Path: failing},
			{Driver: "slow", Path: slow},
		}, Options{EscalateOnFailure: false})

	assert.Equal(t, 3, results[0].ExitCode)
	// The slow sibling finished naturally.
	assert.Equal(t, 0, results[1].ExitCode)
	assert.JSONEq(t, `{"status": "success"}`, results[1].Stdout)
}

func TestTimeoutEscalatesRun(t *testing.T) {
	dir := t.TempDir()
	sleeper := writeScript(t, dir, "sleeper", `exec sleep 60`)

	start := time.Now()
	results, timeoutMsg := newTestMux(2*time.Second).Run(context.Background(),
		[]Request{{Driver: "sleeper", Path: sleeper}},
		Options{Timeout: time.Second})

	assert.Contains(t, timeoutMsg, "timed out")
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.True(t, results[0].Exited)
	assert.NotEqual(t, 0, results[0].ExitCode)
}

func TestContextCancellationEscalatesRun(t *testing.T) {
	dir := t.TempDir()
	sleeper := writeScript(t, dir, "sleeper", `exec sleep 60`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, timeoutMsg := newTestMux(2*time.Second).Run(ctx,
		[]Request{{Driver: "sleeper", Path: sleeper}}, Options{})

	assert.Empty(t, timeoutMsg)
	assert.Less(t, time.Since(start), 30*time.Second)
	assert.True(t, results[0].Exited)
	assert.NotEqual(t, 0, results[0].ExitCode)
}

func TestSpawnFailureDoesNotAbortRun(t *testing.T) {
	dir := t.TempDir()
	good := writeScript(t, dir, "good", `echo '{"status": "success"}'`)

	results, _ := newTestMux(time.Second).Run(context.Background(),
		[]Request{
			{Driver: "missing", Path: filepath.Join(dir, "no-such-driver")},
			{Driver: "good", Path: good},
		}, Options{})

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.False(t, results[0].Exited)

	assert.NoError(t, results[1].Err)
	assert.Equal(t, 0, results[1].ExitCode)
}

func TestOutputAfterTerminalResultIgnored(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "chatty", `echo '{"status": "success", "first": true}'
echo '{"status": "success", "second": true}'
`)

	results, _ := newTestMux(time.Second).Run(context.Background(),
		[]Request{{Driver: "chatty", Path: path}}, Options{})

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.JSONEq(t, `{"status": "success", "first": true}`, results[0].Stdout)
}
