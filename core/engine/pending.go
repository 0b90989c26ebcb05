package engine

import (
	"context"
	"sync/atomic"
)

// Resolved returns a Pending whose result is already available. The handle
// still reports Settled() == false until the result is consumed through
// Await, which is what the async-safety monitor keys off.
func Resolved(value []byte) Pending {
	return &immediate{value: value}
}

// Failed returns a Pending that settles with err on Await.
func Failed(err error) Pending {
	return &immediate{err: err}
}

type immediate struct {
	value    []byte
	err      error
	consumed atomic.Bool
}

func (p *immediate) Await(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.consumed.Store(true)
	return p.value, p.err
}

func (p *immediate) Settled() bool {
	return p.consumed.Load()
}
