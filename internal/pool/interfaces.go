package pool

import (
	"context"

	"github.com/d-araiza/crisol/internal/kernel"
	"github.com/d-araiza/crisol/internal/runtime"
)

// Launcher abstracts kernel startup. Satisfied by *kernel.Launcher; mocked in
// tests.
type Launcher interface {
	Launch(ctx context.Context, spec runtime.Spec, onState kernel.StateFunc) (kernel.Kernel, error)
}
