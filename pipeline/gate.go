package pipeline

import (
	"context"
	"sync"
)

// userGate serializes one user's requests. Entries are refcounted so the
// map does not grow with every user ever seen.
type userGate struct {
	slot chan struct{}
	refs int
}

var (
	gatesMu sync.Mutex
	gates   = map[int64]*userGate{}
)

// lockUser blocks until the user's slot is free or ctx is done. The
// returned release func must be called exactly once. Different users never
// contend.
func lockUser(ctx context.Context, userID int64) (func(), error) {
	gatesMu.Lock()
	g, ok := gates[userID]
	if !ok {
		g = &userGate{slot: make(chan struct{}, 1)}
		gates[userID] = g
	}
	g.refs++
	gatesMu.Unlock()

	drop := func() {
		gatesMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(gates, userID)
		}
		gatesMu.Unlock()
	}

	select {
	case g.slot <- struct{}{}:
		return func() {
			<-g.slot
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}
