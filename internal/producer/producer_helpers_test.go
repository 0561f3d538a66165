package producer

import (
	"sync"

	"markethub.com/internal/channel"
)

type published struct {
	desc    channel.Descriptor
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	active map[channel.Kind][]channel.Descriptor
	out    []published
}

func newFakePublisher(ds ...channel.Descriptor) *fakePublisher {
	p := &fakePublisher{active: map[channel.Kind][]channel.Descriptor{}}
	p.set(ds...)
	return p
}

func (p *fakePublisher) set(ds ...channel.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = map[channel.Kind][]channel.Descriptor{}
	for _, d := range ds {
		p.active[d.Kind] = append(p.active[d.Kind], d)
	}
}

func (p *fakePublisher) Active(kind channel.Kind) []channel.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]channel.Descriptor(nil), p.active[kind]...)
}

func (p *fakePublisher) Publish(desc channel.Descriptor, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{desc: desc, payload: payload})
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.out...)
}
