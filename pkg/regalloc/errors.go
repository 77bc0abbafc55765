package regalloc

import "github.com/pkg/errors"

// Allocation failures are fatal for the function being compiled. Callers
// test the category with errors.Is; the wrapped message carries the
// offending block or instruction. Errors returned by the Emitter are passed
// through unchanged.
var (
	// ErrConfig reports a register group with live demand and nothing to allocate
	ErrConfig = errors.New("regalloc: invalid configuration")
	// ErrConstraint reports operand constraints that no assignment can satisfy
	ErrConstraint = errors.New("regalloc: unsatisfiable register constraints")
	// ErrUnsupported reports a swap requested on a group without native swap
	ErrUnsupported = errors.New("regalloc: unsupported operation")
	// ErrInconsistentState reports an edge that could not be reconciled exactly
	ErrInconsistentState = errors.New("regalloc: inconsistent assignment state")
)

func (a *LocalAllocator) constraintError(format string, args ...any) error {
	err := errors.Wrapf(ErrConstraint, format, args...)
	if a.inst != nil {
		return errors.WithMessagef(err, "inst #%d (%s)", a.inst.ID, a.inst.Op)
	}
	return err
}
