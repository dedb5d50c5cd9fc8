package hub

import "sync/atomic"

// guard admits one mutating transition at a time. A second acquire while the
// first is held fails instead of waiting, so a collaborator calling back into
// the hub mid-transition is refused.
type guard struct {
	entered atomic.Bool
}

func (g *guard) acquire() (release func(), err error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { g.entered.Store(false) }, nil
}

func (g *guard) held() bool {
	return g.entered.Load()
}
