package store

import (
	"context"
	"testing"
	"time"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/backend/memkv"
	"github.com/SiChiTong/broker/data"
)

func newTestRegistry(t *testing.T, peerQueries func() []PeerQuery) *Registry {
	t.Helper()
	newBackend := func(name string) (backend.Backend, error) { return memkv.New(), nil }
	broadcast := func(topic string, payload any) {}
	if peerQueries == nil {
		peerQueries = func() []PeerQuery { return nil }
	}
	return NewRegistry(newBackend, broadcast, peerQueries, 10*time.Millisecond)
}

func noPeers() []PeerQuery { return nil }

// TestAttachMasterIsIdempotentLocally covers invariant 2: at most one
// local master per name per Core — a second AttachMaster for the same
// name returns the same *Master rather than spawning a competitor.
func TestAttachMasterIsIdempotentLocally(t *testing.T) {
	r := newTestRegistry(t, noPeers)
	ctx := context.Background()

	h1, err := r.AttachMaster(ctx, "s1")
	if err != nil {
		t.Fatalf("AttachMaster: %v", err)
	}
	h2, err := r.AttachMaster(ctx, "s1")
	if err != nil {
		t.Fatalf("AttachMaster (second): %v", err)
	}
	if h1.Master != h2.Master {
		t.Fatalf("expected the same master handle back, got distinct masters")
	}
	defer h1.Master.Stop()
}

// TestAttachMasterFailsWhenRemoteMasterExists covers spec §7
// "master_exists": if a peer already answers for the name, a local
// AttachMaster must fail rather than create a second master.
func TestAttachMasterFailsWhenRemoteMasterExists(t *testing.T) {
	queries := func() []PeerQuery {
		return []PeerQuery{
			func(ctx context.Context, name string) (any, bool) { return "remote-handle", true },
		}
	}
	r := newTestRegistry(t, queries)

	_, err := r.AttachMaster(context.Background(), "s1")
	if err != ErrMasterExists {
		t.Fatalf("expected ErrMasterExists, got %v", err)
	}
	if _, ok := r.LocalMaster("s1"); ok {
		t.Fatalf("no local master should have been spawned")
	}
}

// TestAttachCloneNoPeersFails covers the no-local-master/no-peers case:
// a clone attach with nothing to resolve against must fail
// no_such_master rather than spawn an orphaned clone.
func TestAttachCloneNoPeersFails(t *testing.T) {
	r := newTestRegistry(t, noPeers)
	_, err := r.AttachClone(context.Background(), "missing")
	if err != ErrNoSuchMaster {
		t.Fatalf("expected ErrNoSuchMaster, got %v", err)
	}
}

// TestAttachCloneLinksDirectlyToLocalMaster covers the direct-link path:
// when a local master already exists, AttachClone bootstraps the clone
// from its live snapshot rather than fanning a resolve out to peers.
func TestAttachCloneLinksDirectlyToLocalMaster(t *testing.T) {
	r := newTestRegistry(t, noPeers)
	ctx := context.Background()

	h, err := r.AttachMaster(ctx, "s1")
	if err != nil {
		t.Fatalf("AttachMaster: %v", err)
	}
	defer h.Master.Stop()

	req := Request{Op: OpInsert, Key: data.String("k"), Value: data.Int(42), Reply: make(chan Response, 1)}
	h.Master.Submit(req)
	<-req.Reply

	c, err := r.AttachClone(ctx, "s1")
	if err != nil {
		t.Fatalf("AttachClone: %v", err)
	}
	defer c.Stop()

	time.Sleep(20 * time.Millisecond)
	v, err := c.Backend.Lookup(data.String("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v != data.Int(42) {
		t.Fatalf("expected clone to have bootstrapped value 42, got %v", v)
	}
}

// TestAttachCloneResolvesThroughPeer covers the resolver fan-out path
// (spec §4.4): no local master, but a peer answers
// affirmatively, so the clone is spawned.
func TestAttachCloneResolvesThroughPeer(t *testing.T) {
	queries := func() []PeerQuery {
		return []PeerQuery{
			func(ctx context.Context, name string) (any, bool) { return nil, false },
			func(ctx context.Context, name string) (any, bool) { return "remote-master", true },
		}
	}
	r := newTestRegistry(t, queries)

	c, err := r.AttachClone(context.Background(), "s1")
	if err != nil {
		t.Fatalf("AttachClone: %v", err)
	}
	defer c.Stop()
}

// TestLookupMasterFallsBackToResolver covers spec §11's supplemented
// lookup_master behavior: a local-map miss still fans out to peers
// before reporting no_such_master.
func TestLookupMasterFallsBackToResolver(t *testing.T) {
	queries := func() []PeerQuery {
		return []PeerQuery{
			func(ctx context.Context, name string) (any, bool) { return "remote-master", true },
		}
	}
	r := newTestRegistry(t, queries)

	h, err := r.LookupMaster(context.Background(), "s1")
	if err != nil {
		t.Fatalf("LookupMaster: %v", err)
	}
	if h.Local {
		t.Fatalf("expected a non-local handle for a resolved remote master")
	}
}

func TestLookupMasterNoSuchMaster(t *testing.T) {
	r := newTestRegistry(t, noPeers)
	_, err := r.LookupMaster(context.Background(), "missing")
	if err != ErrNoSuchMaster {
		t.Fatalf("expected ErrNoSuchMaster, got %v", err)
	}
}

// TestCloneDetectsSequenceGapAndRequestsSnapshot covers invariant 5:
// clone state monotonicity — a clone that observes a sequence gap must
// not apply the out-of-order update, and must ask for a fresh snapshot
// instead.
func TestCloneDetectsSequenceGapAndRequestsSnapshot(t *testing.T) {
	requested := make(chan struct{}, 1)
	c := NewClone("s1", memkv.New(), func() {
		select {
		case requested <- struct{}{}:
		default:
		}
	})
	go c.Run()
	defer c.Stop()

	c.Apply(UpdateCommand{Seq: 1, Op: OpInsert, Key: data.String("k"), Value: data.Int(1)})
	c.Apply(UpdateCommand{Seq: 3, Op: OpInsert, Key: data.String("k"), Value: data.Int(3)})

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatalf("expected a snapshot request after a detected sequence gap")
	}

	time.Sleep(10 * time.Millisecond)
	seq, err := c.Backend.Sequence()
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence to remain at 1 after the gapped update was rejected, got %d", seq)
	}
}
