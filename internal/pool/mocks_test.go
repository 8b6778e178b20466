package pool

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/d-araiza/crisol/internal/kernel"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/protocol"
)

type mockKernel struct {
	mock.Mock
	// onState is captured at launch so tests can drive state transitions.
	onState kernel.StateFunc
}

func (m *mockKernel) Submit(id, code string) (<-chan protocol.Event, error) {
	args := m.Called(id, code)
	var ch <-chan protocol.Event
	if v := args.Get(0); v != nil {
		ch = v.(<-chan protocol.Event)
	}
	return ch, args.Error(1)
}

func (m *mockKernel) Abandon(id string) {
	m.Called(id)
}

func (m *mockKernel) Interrupt() error {
	return m.Called().Error(0)
}

func (m *mockKernel) Close() error {
	return m.Called().Error(0)
}

type mockLauncher struct {
	mock.Mock
}

func (m *mockLauncher) Launch(ctx context.Context, spec runtime.Spec, onState kernel.StateFunc) (kernel.Kernel, error) {
	args := m.Called(ctx, spec, onState)
	var k kernel.Kernel
	if v := args.Get(0); v != nil {
		mk := v.(*mockKernel)
		mk.onState = onState
		k = mk
	}
	return k, args.Error(1)
}

// settledEvents returns a closed, pre-filled event channel: a submission that
// settles as soon as the caller starts polling.
func settledEvents(events ...protocol.Event) <-chan protocol.Event {
	ch := make(chan protocol.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}
