// Package lock provides the exclusive guard used around corpus seeding.
package lock

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrHeld is returned by TryAcquire when another holder owns the lock.
var ErrHeld = errors.New("lock is held")

// Locker grants one holder at a time. Release must be called with the
// function returned by a successful TryAcquire.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, err error)
}

// Local is a process-local Locker. It does not coordinate between instances.
type Local struct {
	held atomic.Bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(context.Context) (func(context.Context) error, error) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, ErrHeld
	}
	return func(context.Context) error {
		l.held.Store(false)
		return nil
	}, nil
}
