package store

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrNoSuchMaster is returned when no peer answers a master_get
// request (spec §7 "no_such_master").
var ErrNoSuchMaster = errors.New("store: no such master")

// PeerQuery asks one peer whether it can reach a master for name,
// returning ok=false if it can't (or the query itself failed).
type PeerQuery func(ctx context.Context, name string) (handle any, ok bool)

// resolveMaster fans a master_get request out to every peer query
// concurrently and returns the first affirmative reply, translating
// CAF's master_resolver actor (self->request(resolv, caf::infinite,
// ...) in core_actor.cc) into a bounded, cancellable Go fan-out: the
// first goroutine to find a master cancels ctx, so slower/blocked
// peers stop being waited on instead of leaking (spec §9's "translate
// one-shot request actors into a Go idiom", and its Open Question on
// bounding the resolver's timeout — bounded here by ctx's deadline,
// which callers set to retryInterval * resolverTimeoutFactor).
func resolveMaster(ctx context.Context, name string, queries []PeerQuery) (any, error) {
	if len(queries) == 0 {
		return nil, ErrNoSuchMaster
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	found := make(chan any, 1)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			handle, ok := q(ctx, name)
			if ok {
				select {
				case found <- handle:
				default:
				}
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() { g.Wait(); close(done) }()

	select {
	case h := <-found:
		return h, nil
	case <-done:
		select {
		case h := <-found:
			return h, nil
		default:
			return nil, ErrNoSuchMaster
		}
	case <-ctx.Done():
		return nil, ErrNoSuchMaster
	}
}
