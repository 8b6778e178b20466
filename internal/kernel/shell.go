package kernel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/d-araiza/crisol/internal/limits"
	"github.com/d-araiza/crisol/protocol"
)

// bootID marks the init sentinel printed when the shell comes up.
const bootID = "boot"

// ShellKernel is a persistent shell under a PTY. Commands are wrapped with
// sentinel markers so command output can be separated from shell noise, and
// base64-encoded so user input is never interpreted as part of the wrapper.
type ShellKernel struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	workDir string
	logger  *slog.Logger
	onState StateFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	active *shellSubmission
	closed bool
}

type shellSubmission struct {
	submission
	// inBody flips when the begin marker is seen; only lines after it are
	// command output.
	inBody bool
}

func (k *ShellKernel) Submit(id, code string) (<-chan protocol.Event, error) {
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
	sub := &shellSubmission{submission: submission{id: id, ch: make(chan protocol.Event, eventBuffer)}}
	k.active = sub
	k.mu.Unlock()

	k.notify(protocol.StateBusy)
	if _, err := k.ptmx.Write([]byte(wrapCommand(id, code))); err != nil {
		k.mu.Lock()
		k.active = nil
		k.mu.Unlock()
		return nil, fmt.Errorf("write to pty: %w", err)
	}
	return sub.ch, nil
}

func (k *ShellKernel) Abandon(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil && k.active.id == id {
		k.active.abandoned = true
	}
}

// Interrupt writes ^C to the PTY; the line discipline delivers SIGINT to the
// foreground process group. The pending end sentinel still prints afterwards,
// settling the submission with the interrupted exit code.
func (k *ShellKernel) Interrupt() error {
	_, err := k.ptmx.Write([]byte{0x03})
	return err
}

func (k *ShellKernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.ptmx.Close()
	if k.cmd != nil {
		limits.KillTree(k.cmd)
		select {
		case <-k.done:
		case <-time.After(2 * time.Second):
		}
		k.cmd.Wait()
	}
	if k.workDir != "" {
		os.RemoveAll(k.workDir)
	}
	return nil
}

func (k *ShellKernel) WaitReady(ctx context.Context) error {
	select {
	case <-k.ready:
		return nil
	case <-k.done:
		return errors.New("shell exited before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *ShellKernel) readLoop() {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := k.ptmx.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				k.handleLine(line)
			}
			// Runaway partial line without a newline; keep the tail so a
			// trailing sentinel still matches.
			if len(pending) > protocol.MaxLineBytes {
				pending = pending[len(pending)-4096:]
			}
		}
		if err != nil {
			break
		}
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

// handleLine classifies one PTY line. Lines containing a sentinel marker are
// never forwarded: they are either the wrapper's own output or an echo of it.
func (k *ShellKernel) handleLine(line string) {
	switch {
	case strings.Contains(line, protocol.SentinelEnd):
		k.handleEndLine(strings.TrimSpace(line))
	case strings.Contains(line, protocol.SentinelBegin):
		k.mu.Lock()
		if k.active != nil && strings.HasPrefix(line, beginMarker(k.active.id)) {
			k.active.inBody = true
		}
		k.mu.Unlock()
	default:
		k.mu.Lock()
		sub := k.active
		if sub != nil && sub.inBody && !sub.abandoned {
			ev := protocol.Event{
				ID:   sub.id,
				Kind: protocol.EventStream,
				Name: "stdout",
				Text: line + "\n",
			}
			select {
			case sub.ch <- ev:
			default:
				k.logger.Warn("dropping shell output, consumer lagging", "id", sub.id)
			}
		}
		k.mu.Unlock()
	}
}

// handleEndLine settles the in-flight submission from the end sentinel. Only
// the printf output counts: it starts with the marker itself, unlike an echo
// of the wrapper command line.
func (k *ShellKernel) handleEndLine(line string) {
	if !strings.HasPrefix(line, protocol.SentinelEnd+":") {
		return
	}
	// __CRISOL_END__:<id>:<exit_code>:<cwd>
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 3 {
		return
	}
	if parts[1] == bootID {
		k.readyOnce.Do(func() { close(k.ready) })
		return
	}
	exitCode := 0
	fmt.Sscanf(parts[2], "%d", &exitCode)

	k.mu.Lock()
	sub := k.active
	if sub == nil || sub.id != parts[1] {
		k.mu.Unlock()
		return
	}
	if !sub.abandoned {
		ev := protocol.Event{
			ID:       sub.id,
			Kind:     protocol.EventStatus,
			State:    protocol.StateIdle,
			Failed:   exitCode != 0,
			ExitCode: exitCode,
		}
		select {
		case sub.ch <- ev:
		default:
		}
		close(sub.ch)
	}
	k.active = nil
	k.mu.Unlock()
	k.notify(protocol.StateIdle)
}

func (k *ShellKernel) notify(state string) {
	if k.onState != nil {
		k.onState(state)
	}
}

func beginMarker(id string) string { return protocol.SentinelBegin + ":" + id }

// wrapCommand wraps user code with sentinels for output capture. The code is
// base64-encoded so it is never interpreted as part of the wrapper, preventing
// injection via newlines or shell metacharacters. Decoding happens through
// eval in the session shell itself, not a subshell, so assignments and cd
// survive into later executions.
func wrapCommand(id, code string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	return fmt.Sprintf(
		"printf '%%s\\n' '%s'\n__b64='%s'; eval \"$(printf '%%s' \"$__b64\" | base64 -d)\"\nprintf '\\n%s:%%d:%%s\\n' \"$?\" \"$PWD\"\n",
		beginMarker(id), encoded, protocol.SentinelEnd+":"+id,
	)
}

// shellInit disables terminal echo (so later wrapper lines do not come back
// as input echo) and prints the boot sentinel that signals readiness.
func shellInit() string {
	return fmt.Sprintf("stty -echo 2>/dev/null\nprintf '\\n%s:%s:0:ok\\n'\n",
		protocol.SentinelEnd, bootID)
}
