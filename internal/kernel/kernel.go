// Package kernel manages long-lived interpreter processes for sessions. A
// kernel is a child process plus a JSON-line channel: submissions go in on
// stdin, events come back on stdout, correlated by submission id.
package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/d-araiza/crisol/internal/limits"
	"github.com/d-araiza/crisol/protocol"
)

var (
	ErrKernelClosed = errors.New("kernel closed")
	// ErrBusy means a previous submission has not settled yet. An abandoned
	// submission keeps the kernel busy until its idle status arrives.
	ErrBusy = errors.New("kernel busy with a previous submission")
)

// StateDead is reported through StateFunc when the interpreter process exits.
// The interpreter itself only ever reports the protocol states.
const StateDead = "dead"

// StateFunc receives interpreter state transitions (busy, idle, dead). Called
// from the kernel's reader goroutine; implementations must not block.
type StateFunc func(state string)

// Kernel is one interpreter process. Submissions are strictly sequential:
// Submit rejects while a previous submission is unsettled.
type Kernel interface {
	// Submit sends code for execution and returns the event channel for
	// this submission. The channel is closed when the submission settles.
	Submit(id, code string) (<-chan protocol.Event, error)
	// Abandon stops event delivery for an in-flight submission. The
	// interpreter keeps running; the kernel settles when its idle status
	// arrives and discards everything until then.
	Abandon(id string)
	// Interrupt delivers an interrupt to the running execution.
	Interrupt() error
	// Close terminates the interpreter process and releases its work dir.
	Close() error
}

// submission tracks the single in-flight execution.
type submission struct {
	id        string
	ch        chan protocol.Event
	abandoned bool
}

// eventBuffer bounds per-submission event delivery; a lagging consumer drops
// events rather than stalling the reader.
const eventBuffer = 256

// PipeKernel drives an interpreter agent over plain stdin/stdout pipes.
type PipeKernel struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	workDir string
	logger  *slog.Logger
	onState StateFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	active *submission
	closed bool
}

// newPipeKernel wires a kernel over arbitrary pipes and starts the reader.
// The process handle and work dir are attached by the launcher; tests drive
// the kernel with in-memory pipes instead.
func newPipeKernel(stdin io.WriteCloser, stdout io.Reader, onState StateFunc, logger *slog.Logger) *PipeKernel {
	k := &PipeKernel{
		stdin:   stdin,
		logger:  logger,
		onState: onState,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go k.readLoop(stdout)
	return k
}

func (k *PipeKernel) Submit(id, code string) (<-chan protocol.Event, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrKernelClosed
	}
	select {
	case <-k.done:
		k.mu.Unlock()
		return nil, ErrKernelClosed
	default:
	}
	if k.active != nil {
		k.mu.Unlock()
		return nil, ErrBusy
	}
	sub := &submission{id: id, ch: make(chan protocol.Event, eventBuffer)}
	k.active = sub
	k.mu.Unlock()

	if err := json.NewEncoder(k.stdin).Encode(protocol.Submission{ID: id, Code: code}); err != nil {
		k.mu.Lock()
		k.active = nil
		k.mu.Unlock()
		return nil, fmt.Errorf("write submission: %w", err)
	}
	return sub.ch, nil
}

func (k *PipeKernel) Abandon(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil && k.active.id == id {
		k.active.abandoned = true
	}
}

func (k *PipeKernel) Interrupt() error {
	if k.cmd == nil {
		return fmt.Errorf("no process attached")
	}
	return limits.Interrupt(k.cmd)
}

// Close shuts the interpreter down: stdin EOF first so the agent can exit
// cleanly, SIGKILL to the process group if it lingers.
func (k *PipeKernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.stdin.Close()
	if k.cmd != nil {
		select {
		case <-k.done:
		case <-time.After(2 * time.Second):
			limits.KillTree(k.cmd)
			<-k.done
		}
		k.cmd.Wait()
	}
	if k.workDir != "" {
		os.RemoveAll(k.workDir)
	}
	return nil
}

// WaitReady blocks until the agent reports ready, the process exits, or the
// context expires.
func (k *PipeKernel) WaitReady(ctx context.Context) error {
	select {
	case <-k.ready:
		return nil
	case <-k.done:
		return errors.New("interpreter exited before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *PipeKernel) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			k.logger.Warn("malformed interpreter event", "error", err)
			continue
		}
		k.dispatch(ev)
	}
	if err := sc.Err(); err != nil {
		k.logger.Warn("interpreter channel read", "error", err)
	}

	k.mu.Lock()
	if k.active != nil && !k.active.abandoned {
		close(k.active.ch)
	}
	k.active = nil
	k.mu.Unlock()
	close(k.done)
	k.notify(StateDead)
}

// dispatch routes one event to the in-flight submission. Events carrying a
// stale id (late output from an abandoned execution) are discarded.
func (k *PipeKernel) dispatch(ev protocol.Event) {
	if ev.Kind == protocol.EventStatus && ev.State == protocol.StateReady {
		k.readyOnce.Do(func() { close(k.ready) })
		return
	}

	k.mu.Lock()
	sub := k.active
	if sub == nil || (ev.ID != "" && ev.ID != sub.id) {
		k.mu.Unlock()
		return
	}
	if !sub.abandoned {
		select {
		case sub.ch <- ev:
		default:
			k.logger.Warn("dropping interpreter event, consumer lagging",
				"id", ev.ID, "kind", ev.Kind)
		}
	}
	settled := ev.Kind == protocol.EventStatus && ev.State == protocol.StateIdle
	if settled {
		if !sub.abandoned {
			close(sub.ch)
		}
		k.active = nil
	}
	k.mu.Unlock()

	switch {
	case ev.Kind == protocol.EventStatus && ev.State == protocol.StateBusy:
		k.notify(protocol.StateBusy)
	case settled:
		k.notify(protocol.StateIdle)
	}
}

func (k *PipeKernel) notify(state string) {
	if k.onState != nil {
		k.onState(state)
	}
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			logger.Debug("interpreter stderr", "line", string(line))
		}
	}
}
