package store

import (
	"context"
	"errors"
	"time"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/topic"
)

// ErrMasterExists is returned by AttachMaster when a remote master
// already answers for the same name (spec §7 "master_exists").
var ErrMasterExists = errors.New("store: master already exists")

// resolverTimeoutFactor bounds the otherwise-unbounded resolver
// timeout the source leaves to implementers (spec §5 "Cancellation &
// timeouts": "recommended: retry-interval-scaled"; SPEC_FULL.md §4.4
// resolves the Open Question with this factor).
const resolverTimeoutFactor = 3

// BackendFactory opens a fresh backend instance for a newly attached
// master, e.g. memkv.New or sqlitekv.Open bound to a per-store path.
type BackendFactory func(name string) (backend.Backend, error)

// Handle is what AttachMaster/LookupMaster hand back to the caller.
// For a local master it carries the Master, through which mutation
// requests are submitted; for a resolved remote master it carries only
// the store name and Local == false, and offers no way to submit.
type Handle struct {
	Name   string
	Local  bool
	Master *Master // non-nil only when Local
}

// Registry maps store name to local master/clone handle and resolves
// remote masters across peers (spec §4.4). Owned exclusively by its
// Core's actor goroutine, no lock — the same discipline as peer.Manager
// and governor.Governor.
type Registry struct {
	masters map[string]*Master
	clones  map[string]*Clone

	newBackend    BackendFactory
	broadcast     Broadcast
	peerQueries   func() []PeerQuery
	retryInterval time.Duration
}

// NewRegistry returns an empty Registry. retryInterval scales the
// resolver's bounded timeout (resolverTimeoutFactor * retryInterval);
// peerQueries returns one PeerQuery per currently connected peer,
// re-evaluated on every resolve so newly peered/unpeered endpoints are
// picked up.
func NewRegistry(newBackend BackendFactory, broadcast Broadcast, peerQueries func() []PeerQuery, retryInterval time.Duration) *Registry {
	return &Registry{
		masters:       make(map[string]*Master),
		clones:        make(map[string]*Clone),
		newBackend:    newBackend,
		broadcast:     broadcast,
		peerQueries:   peerQueries,
		retryInterval: retryInterval,
	}
}

// LocalMaster returns the local master for name, if any (spec §3
// invariant "at most one local master per name per Core").
func (r *Registry) LocalMaster(name string) (*Master, bool) {
	m, ok := r.masters[name]
	return m, ok
}

// AttachMaster implements spec §4.4 "Attach master": return an existing
// local master if present, fail master_exists if a remote one already
// answers, otherwise spawn one.
func (r *Registry) AttachMaster(ctx context.Context, name string) (*Handle, error) {
	if m, ok := r.masters[name]; ok {
		return &Handle{Name: name, Local: true, Master: m}, nil
	}

	if _, err := r.resolve(ctx, name); err == nil {
		return nil, ErrMasterExists
	}

	be, err := r.newBackend(name)
	if err != nil {
		return nil, err
	}
	m := NewMaster(name, topic.CloneTopic(name), be, r.broadcast)
	r.masters[name] = m
	go m.Run()
	return &Handle{Name: name, Local: true, Master: m}, nil
}

// AttachClone implements spec §4.4 "Attach clone": link directly to a
// local master if one exists, otherwise fan a master_get out to every
// peer and spawn a clone against the first affirmative reply.
func (r *Registry) AttachClone(ctx context.Context, name string) (*Clone, error) {
	if m, ok := r.masters[name]; ok {
		return r.spawnClone(name, func() { c, _ := r.clones[name]; c.LoadSnapshot(m.Snapshot()) })
	}

	if len(r.peerQueries()) == 0 {
		return nil, ErrNoSuchMaster
	}

	if _, err := r.resolve(ctx, name); err != nil {
		return nil, err
	}

	return r.spawnClone(name, func() {
		// A real transport would publish SnapshotCommand to
		// topic.MasterTopic(name) and route the SnapshotReply back to
		// LoadSnapshot; wiring that publish path is the Core's job
		// (broker.Core.AttachClone), since only it can address a remote
		// master over the peering graph.
	})
}

func (r *Registry) spawnClone(name string, bootstrap func()) (*Clone, error) {
	c, ok := r.clones[name]
	if !ok {
		be, err := r.newBackend(name)
		if err != nil {
			return nil, err
		}
		c = NewClone(name, be, bootstrap)
		r.clones[name] = c
		go c.Run()
	}
	bootstrap()
	return c, nil
}

// LookupMaster implements spec §4.4/§11: a local map lookup first,
// falling back to the same resolver fan-out AttachClone uses — the
// distillation only hinted at this fan-out ("handle or no_such_master")
// but core_actor.cc's atom::store, atom::master, atom::resolve handler
// does exactly this.
func (r *Registry) LookupMaster(ctx context.Context, name string) (*Handle, error) {
	if m, ok := r.masters[name]; ok {
		return &Handle{Name: name, Local: true, Master: m}, nil
	}
	if _, err := r.resolve(ctx, name); err != nil {
		return nil, err
	}
	return &Handle{Name: name, Local: false}, nil
}

func (r *Registry) resolve(ctx context.Context, name string) (any, error) {
	queries := r.peerQueries()
	if len(queries) == 0 {
		return nil, ErrNoSuchMaster
	}
	timeout := r.retryInterval * resolverTimeoutFactor
	if timeout <= 0 {
		timeout = time.Second * resolverTimeoutFactor
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return resolveMaster(rctx, name, queries)
}
