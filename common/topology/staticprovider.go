package topology

import (
	"context"
	"sync"
)

type StaticProviderOptions struct {
	Collections []*Collection
	Aliases     *Aliases
}

// StaticProvider serves topology held in memory.  It counts reads so callers
// can observe how often the source of truth was consulted.
type StaticProvider struct {
	lock        sync.Mutex
	collections map[string]*Collection
	aliases     *Aliases
	fetches     map[string]int
}

var _ Provider = (*StaticProvider)(nil)
var _ AliasProvider = (*StaticProvider)(nil)

func NewStaticProvider(opts StaticProviderOptions) *StaticProvider {
	p := &StaticProvider{
		collections: make(map[string]*Collection),
		aliases:     opts.Aliases,
		fetches:     make(map[string]int),
	}
	for _, coll := range opts.Collections {
		p.collections[coll.Name] = coll
	}
	return p
}

func (p *StaticProvider) SetCollection(coll *Collection) {
	p.lock.Lock()
	p.collections[coll.Name] = coll
	p.lock.Unlock()
}

func (p *StaticProvider) RemoveCollection(name string) {
	p.lock.Lock()
	delete(p.collections, name)
	p.lock.Unlock()
}

func (p *StaticProvider) SetAliases(aliases *Aliases) {
	p.lock.Lock()
	p.aliases = aliases
	p.lock.Unlock()
}

// Fetches returns how many times name was read.
func (p *StaticProvider) Fetches(name string) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.fetches[name]
}

func (p *StaticProvider) FetchCollection(ctx context.Context, name string) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.fetches[name]++

	coll, ok := p.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	return coll, nil
}

func (p *StaticProvider) FetchAliases(ctx context.Context) (*Aliases, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	return p.aliases, nil
}
