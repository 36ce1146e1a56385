package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/pvedge/internal/resource"
)

// MemoryStore keeps partitions in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	active     string
	closed     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[string]*memoryPartition)}
}

func (s *MemoryStore) Open(_ context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{name: name, entries: make(map[string]memoryEntry)}
		s.partitions[name] = p
	}
	return p, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()
	return true, nil
}

func (s *MemoryStore) ActiveVersion(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *MemoryStore) SetActiveVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.active = version
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryEntry struct {
	seq  uint64
	resp *resource.Response
}

type memoryPartition struct {
	name    string
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nextSeq uint64
	deleted bool
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, key string) (*resource.Response, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false, nil
	}
	return e.resp.Clone(), true, nil
}

func (p *memoryPartition) Put(_ context.Context, key string, resp *resource.Response) error {
	stored := resp.Clone()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return fmt.Errorf("put into %s: %w", p.name, ErrNotFound)
	}
	p.nextSeq++
	p.entries[key] = memoryEntry{seq: p.nextSeq, resp: stored}
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	type kv struct {
		key string
		seq uint64
	}
	ordered := make([]kv, 0, len(p.entries))
	for k, e := range p.entries {
		ordered = append(ordered, kv{k, e.seq})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	keys := make([]string, len(ordered))
	for i, e := range ordered {
		keys[i] = e.key
	}
	return keys, nil
}

func (p *memoryPartition) Len(_ context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries), nil
}
