package clustering

import (
	"context"
	"sort"
	"sync"

	"github.com/couchbase/stellar-router/utils/latestonlychannel"
	"golang.org/x/exp/slices"
)

type StaticProviderOptions struct {
	Nodes []string
}

// StaticProvider keeps the live node set in memory.
type StaticProvider struct {
	lock      sync.Mutex
	revision  int64
	nodes     []string
	broadcast *latestonlychannel.Broadcaster[*Snapshot]
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(opts StaticProviderOptions) *StaticProvider {
	p := &StaticProvider{
		nodes:     slices.Clone(opts.Nodes),
		broadcast: latestonlychannel.NewBroadcaster[*Snapshot](),
	}
	sort.Strings(p.nodes)
	p.broadcast.Publish(p.getSnapLocked())
	return p
}

func (p *StaticProvider) getSnapLocked() *Snapshot {
	return &Snapshot{
		Revision: p.revision,
		Nodes:    slices.Clone(p.nodes),
	}
}

func (p *StaticProvider) signalUpdatedLocked() {
	p.revision++
	p.broadcast.Publish(p.getSnapLocked())
}

type staticMembership struct {
	parent   *StaticProvider
	nodeName string
}

func (m *staticMembership) NodeName() string {
	return m.nodeName
}

func (m *staticMembership) Leave(ctx context.Context) error {
	m.parent.lock.Lock()
	defer m.parent.lock.Unlock()

	idx, found := slices.BinarySearch(m.parent.nodes, m.nodeName)
	if !found {
		return ErrNotJoined
	}
	m.parent.nodes = slices.Delete(m.parent.nodes, idx, idx+1)
	m.parent.signalUpdatedLocked()

	return nil
}

func (p *StaticProvider) Join(ctx context.Context, nodeName string) (Membership, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	idx, found := slices.BinarySearch(p.nodes, nodeName)
	if found {
		return nil, ErrAlreadyJoined
	}
	p.nodes = slices.Insert(p.nodes, idx, nodeName)
	p.signalUpdatedLocked()

	return &staticMembership{parent: p, nodeName: nodeName}, nil
}

func (p *StaticProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	return p.broadcast.Subscribe(ctx), nil
}

func (p *StaticProvider) Get(ctx context.Context) (*Snapshot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.getSnapLocked(), nil
}

func (p *StaticProvider) IsLive(nodeName string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, found := slices.BinarySearch(p.nodes, nodeName)
	return found
}
