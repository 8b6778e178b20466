package engine

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/pool"
	"github.com/d-araiza/crisol/internal/runtime"
	"github.com/d-araiza/crisol/internal/store"
)

type mockStateless struct {
	mock.Mock
}

func (m *mockStateless) Run(code, language string, timeout time.Duration) *aggregate.Result {
	args := m.Called(code, language, timeout)
	return args.Get(0).(*aggregate.Result)
}

type mockPool struct {
	mock.Mock
}

func (m *mockPool) Execute(ctx context.Context, sessionID string, spec runtime.Spec, code string, timeout time.Duration, onOutput pool.OutputFunc) (*aggregate.Result, error) {
	args := m.Called(ctx, sessionID, spec, code, timeout, onOutput)
	var res *aggregate.Result
	if v := args.Get(0); v != nil {
		res = v.(*aggregate.Result)
	}
	return res, args.Error(1)
}

func (m *mockPool) List() []pool.SessionInfo {
	args := m.Called()
	return args.Get(0).([]pool.SessionInfo)
}

func (m *mockPool) Interrupt(id string) bool {
	return m.Called(id).Bool(0)
}

func (m *mockPool) Kill(id string) bool {
	return m.Called(id).Bool(0)
}

func (m *mockPool) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// mockRecorder captures records on a channel so tests can wait for the async
// write.
type mockRecorder struct {
	records chan *store.Execution
	err     error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{records: make(chan *store.Execution, 8)}
}

func (m *mockRecorder) Record(e *store.Execution) error {
	m.records <- e
	return m.err
}
