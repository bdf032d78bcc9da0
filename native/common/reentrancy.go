package common

import (
	"context"
	"errors"
)

// ErrReentrantCall is returned when a guarded entry point is invoked from within
// a call it is already executing, e.g. from an asset transfer hook.
var ErrReentrantCall = errors.New("reentrant call")

type frameKey struct{}

type frame struct {
	guard  *Reentrancy
	parent *frame
}

// Reentrancy rejects nested invocations of the operations it guards. The active
// call frame travels in the context handed to external collaborators, so any
// callback that propagates that context back into a guarded entry point is
// refused before it can take the engine lock.
type Reentrancy struct {
	name string
}

// NewReentrancy constructs a guard. The name is informational only.
func NewReentrancy(name string) *Reentrancy {
	return &Reentrancy{name: name}
}

// Name returns the guard label.
func (r *Reentrancy) Name() string {
	if r == nil {
		return ""
	}
	return r.name
}

// Enter marks the guard as active on the returned context. It fails with
// ErrReentrantCall when ctx already carries an active frame for this guard.
func (r *Reentrancy) Enter(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.Active(ctx) {
		return ctx, ErrReentrantCall
	}
	parent, _ := ctx.Value(frameKey{}).(*frame)
	return context.WithValue(ctx, frameKey{}, &frame{guard: r, parent: parent}), nil
}

// Active reports whether ctx was derived from an Enter call on this guard.
func (r *Reentrancy) Active(ctx context.Context) bool {
	if r == nil || ctx == nil {
		return false
	}
	current, _ := ctx.Value(frameKey{}).(*frame)
	for current != nil {
		if current.guard == r {
			return true
		}
		current = current.parent
	}
	return false
}
