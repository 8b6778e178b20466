package pool

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/testutil"
	"github.com/d-araiza/crisol/protocol"
)

var pythonSpec = runtime.Spec{Name: "python", Binary: "python3", SessionMode: runtime.SessionKernel}

func newTestPool(t *testing.T, maxSessions int) (*Pool, *mockLauncher) {
	t.Helper()
	cfg := testutil.TestConfig(t)
	cfg.MaxSessions = maxSessions
	launcher := &mockLauncher{}
	return New(cfg, launcher, slog.New(slog.DiscardHandler)), launcher
}

func streamEvent(text string) protocol.Event {
	return protocol.Event{Kind: protocol.EventStream, Name: "stdout", Text: text}
}

func idleEvent() protocol.Event {
	return protocol.Event{Kind: protocol.EventStatus, State: protocol.StateIdle}
}

func TestExecuteReusesSessionAndCountsExecutions(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	k.On("Submit", mock.Anything, "x = 41").
		Return(settledEvents(idleEvent()), nil).Once()
	k.On("Submit", mock.Anything, "print(x + 1)").
		Return(settledEvents(streamEvent("42\n"), idleEvent()), nil).Once()

	ctx := context.Background()
	res, err := p.Execute(ctx, "sess-a", pythonSpec, "x = 41", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StatusSuccess, res.Status)
	assert.Equal(t, 1, res.ExecutionCount)

	res, err = p.Execute(ctx, "sess-a", pythonSpec, "print(x + 1)", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout)
	assert.Equal(t, 2, res.ExecutionCount, "execution count survives across calls")

	launcher.AssertExpectations(t)
	k.AssertExpectations(t)
}

func TestCapacityNeverExceeded(t *testing.T) {
	p, launcher := newTestPool(t, 2)

	kernels := map[string]*mockKernel{}
	for _, id := range []string{"a", "b", "c"} {
		k := &mockKernel{}
		k.On("Close").Return(nil).Maybe()
		kernels[id] = k
	}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kernels["a"], nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kernels["b"], nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kernels["c"], nil).Once()

	ctx := context.Background()
	_, err := p.getOrCreate(ctx, "a", pythonSpec)
	require.NoError(t, err)
	_, err = p.getOrCreate(ctx, "b", pythonSpec)
	require.NoError(t, err)

	// Make "a" the stale one.
	p.sessions["a"].mu.Lock()
	p.sessions["a"].lastActivity = time.Now().Add(-time.Hour)
	p.sessions["a"].mu.Unlock()

	_, err = p.getOrCreate(ctx, "c", pythonSpec)
	require.NoError(t, err)

	infos := p.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].ID)
	assert.Equal(t, "c", infos[1].ID)
	kernels["a"].AssertCalled(t, "Close")
}

func TestEvictionTieBreaksOnID(t *testing.T) {
	p, launcher := newTestPool(t, 2)

	// Launch order follows creation order: "b" is created first.
	ka, kb, kc := &mockKernel{}, &mockKernel{}, &mockKernel{}
	ka.On("Close").Return(nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kb, nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(ka, nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kc, nil).Once()

	ctx := context.Background()
	_, err := p.getOrCreate(ctx, "b", pythonSpec)
	require.NoError(t, err)
	_, err = p.getOrCreate(ctx, "a", pythonSpec)
	require.NoError(t, err)

	// Identical activity: the lexicographically smallest id loses.
	stale := time.Now().Add(-time.Hour)
	for _, s := range p.sessions {
		s.mu.Lock()
		s.lastActivity = stale
		s.mu.Unlock()
	}

	_, err = p.getOrCreate(ctx, "c", pythonSpec)
	require.NoError(t, err)

	infos := p.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "b", infos[0].ID)
	assert.Equal(t, "c", infos[1].ID)
	ka.AssertExpectations(t)
}

func TestSlowLaunchDoesNotBlockPool(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	fast := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(fast, nil).Once()
	_, err := p.getOrCreate(context.Background(), "fast", pythonSpec)
	require.NoError(t, err)

	slow := &mockKernel{}
	started := make(chan struct{})
	release := make(chan struct{})
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return(slow, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := p.getOrCreate(context.Background(), "slow", pythonSpec)
		done <- err
	}()
	<-started

	// The interpreter is still starting; admin calls must not wait for it.
	infos := p.List()
	require.Len(t, infos, 2)
	assert.Equal(t, StatusStarting, infos[1].Status)
	assert.False(t, p.Interrupt("slow"), "nothing to interrupt mid-launch")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusIdle, p.sessions["slow"].snapshot().Status)
	launcher.AssertExpectations(t)
}

func TestConcurrentCreateSharesOneLaunch(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	started := make(chan struct{})
	release := make(chan struct{})
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return(k, nil).Once()

	ctx := context.Background()
	first := make(chan *session, 1)
	go func() {
		s, err := p.getOrCreate(ctx, "sess-a", pythonSpec)
		assert.NoError(t, err)
		first <- s
	}()
	<-started

	// The second caller finds the reserved slot and waits for its kernel.
	second := make(chan *session, 1)
	go func() {
		s, err := p.getOrCreate(ctx, "sess-a", pythonSpec)
		assert.NoError(t, err)
		second <- s
	}()

	close(release)
	assert.Same(t, <-first, <-second, "one kernel serves both callers")
	launcher.AssertExpectations(t)
}

func TestExecuteTimeoutKeepsSessionAlive(t *testing.T) {
	p, launcher := newTestPool(t, 10)
	p.cfg.MinTimeoutSecs = 0

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()

	// A submission that produces partial output and never settles.
	hung := make(chan protocol.Event, 8)
	hung <- streamEvent("partial\n")
	k.On("Submit", mock.Anything, "while True: pass").
		Return((<-chan protocol.Event)(hung), nil).Once()
	k.On("Abandon", mock.Anything).Once()

	res, err := p.Execute(context.Background(), "sess-a", pythonSpec, "while True: pass", 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StatusTimeout, res.Status)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, 50*time.Millisecond, res.ExecutionTime)
	assert.Equal(t, 1, res.ExecutionCount)

	infos := p.List()
	require.Len(t, infos, 1, "session survives a timed-out execution")
	k.AssertExpectations(t)
}

func TestExecuteKernelDeathBecomesError(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()

	// The channel closes with no settling idle: the interpreter died
	// mid-execution. Partial output survives, the status does not lie.
	k.On("Submit", mock.Anything, "import os; os._exit(1)").
		Return(settledEvents(streamEvent("partial\n")), nil).Once()

	res, err := p.Execute(context.Background(), "sess-a", pythonSpec, "import os; os._exit(1)", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StatusError, res.Status)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "session terminated unexpectedly", res.Error)
	k.AssertExpectations(t)
}

func TestExecuteKernelDeathKeepsRicherError(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	k.On("Submit", mock.Anything, mock.Anything).Return(settledEvents(
		protocol.Event{Kind: protocol.EventError, Ename: "SystemExit", Evalue: "1"},
	), nil).Once()

	res, err := p.Execute(context.Background(), "sess-a", pythonSpec, "raise SystemExit(1)", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StatusError, res.Status)
	assert.Equal(t, "SystemExit: 1", res.Error, "an interpreter-reported error beats the generic one")
}

func TestExecuteForwardsTaggedOutput(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	k.On("Submit", mock.Anything, mock.Anything).Return(settledEvents(
		streamEvent("out\n"),
		protocol.Event{Kind: protocol.EventResult, Data: map[string]string{protocol.MIMEText: "3"}},
		protocol.Event{Kind: protocol.EventDisplay, Data: map[string]string{protocol.MIMEPNG: "cGxvdA=="}},
		protocol.Event{Kind: protocol.EventError, Ename: "ValueError", Evalue: "boom"},
		idleEvent(),
	), nil).Once()

	type chunk struct{ kind, content string }
	var got []chunk
	_, err := p.Execute(context.Background(), "s", pythonSpec, "code", time.Minute,
		func(kind, content string) { got = append(got, chunk{kind, content}) })
	require.NoError(t, err)

	assert.Equal(t, []chunk{
		{"stdout", "out\n"},
		{"result", "3"},
		{"visualization", "cGxvdA=="},
		{"stderr", "ValueError: boom"},
	}, got)
}

func TestInterrupt(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	k.On("Interrupt").Return(nil).Once()

	s, err := p.getOrCreate(context.Background(), "sess-a", pythonSpec)
	require.NoError(t, err)
	s.applyState(protocol.StateBusy)

	assert.True(t, p.Interrupt("sess-a"))
	assert.Equal(t, StatusInterrupted, s.snapshot().Status)

	// The interpreter settles the aborted execution; the session goes idle.
	s.applyState(protocol.StateIdle)
	assert.Equal(t, StatusIdle, s.snapshot().Status)

	assert.False(t, p.Interrupt("nope"))
	k.AssertExpectations(t)
}

func TestKill(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	k := &mockKernel{}
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	k.On("Close").Return(nil).Once()

	_, err := p.getOrCreate(context.Background(), "sess-a", pythonSpec)
	require.NoError(t, err)

	assert.True(t, p.Kill("sess-a"))
	assert.Empty(t, p.List())
	assert.False(t, p.Kill("sess-a"))
	k.AssertExpectations(t)
}

func TestReapIdle(t *testing.T) {
	p, launcher := newTestPool(t, 10)
	p.cfg.SessionIdleSeconds = 60

	fresh, stale, busy, broken := &mockKernel{}, &mockKernel{}, &mockKernel{}, &mockKernel{}
	stale.On("Close").Return(nil).Once()
	broken.On("Close").Return(errors.New("already gone")).Once()
	for _, k := range []*mockKernel{fresh, stale, busy, broken} {
		launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(k, nil).Once()
	}

	ctx := context.Background()
	for _, id := range []string{"fresh", "stale", "busy", "broken"} {
		_, err := p.getOrCreate(ctx, id, pythonSpec)
		require.NoError(t, err)
	}

	old := time.Now().Add(-time.Hour)
	for _, id := range []string{"stale", "busy", "broken"} {
		p.sessions[id].mu.Lock()
		p.sessions[id].lastActivity = old
		p.sessions[id].mu.Unlock()
	}
	p.sessions["busy"].applyState(protocol.StateBusy)
	p.sessions["broken"].applyState("dead")

	reaped := p.ReapIdle()

	// One failing teardown does not stop the sweep.
	assert.Equal(t, 2, reaped)
	infos := p.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "busy", infos[0].ID)
	assert.Equal(t, "fresh", infos[1].ID)
	stale.AssertExpectations(t)
	broken.AssertExpectations(t)
}

func TestShutdownClosesAll(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	ka, kb := &mockKernel{}, &mockKernel{}
	ka.On("Close").Return(nil).Once()
	kb.On("Close").Return(nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(ka, nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(kb, nil).Once()

	ctx := context.Background()
	_, err := p.getOrCreate(ctx, "a", pythonSpec)
	require.NoError(t, err)
	_, err = p.getOrCreate(ctx, "b", pythonSpec)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(ctx))
	assert.Empty(t, p.List())
	ka.AssertExpectations(t)
	kb.AssertExpectations(t)
}

func TestLaunchFailureLeavesNoSession(t *testing.T) {
	p, launcher := newTestPool(t, 10)
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).
		Return(nil, errors.New("python3 not found")).Once()

	_, err := p.Execute(context.Background(), "sess-a", pythonSpec, "1", time.Minute, nil)
	require.Error(t, err)
	assert.Empty(t, p.List())
}

func TestDeadSessionReplacedInPlace(t *testing.T) {
	p, launcher := newTestPool(t, 10)

	dead, replacement := &mockKernel{}, &mockKernel{}
	dead.On("Close").Return(nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(dead, nil).Once()
	launcher.On("Launch", mock.Anything, pythonSpec, mock.Anything).Return(replacement, nil).Once()

	ctx := context.Background()
	s, err := p.getOrCreate(ctx, "sess-a", pythonSpec)
	require.NoError(t, err)
	s.applyState("dead")

	s2, err := p.getOrCreate(ctx, "sess-a", pythonSpec)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.Equal(t, StatusIdle, s2.snapshot().Status)
	dead.AssertExpectations(t)
	launcher.AssertExpectations(t)
}
