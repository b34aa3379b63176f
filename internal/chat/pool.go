package chat

import (
	"sync"

	"github.com/basinhq/basin/internal/logging"
)

// Pool is the reference-counted session cache. One live session is
// shared by every view bound to the same conversation identity and torn
// down only when the last reference releases. Refcounted, not
// time-based: no LRU, no TTL — an evicted mid-stream session would
// orphan its stream.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	session *Session
	refs    int
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Acquire returns the live session for an identity, creating it through
// factory on first acquire. An existing session is returned with its
// state untouched.
func (p *Pool) Acquire(identity string, factory func() *Session) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[identity]; ok {
		entry.refs++
		return entry.session
	}

	session := factory()
	p.entries[identity] = &poolEntry{session: session, refs: 1}
	return session
}

// Release drops one reference. At zero the entry is removed and the
// session torn down, aborting any live stream. Releasing an unknown
// identity is a no-op: unmount ordering during rapid tab churn is
// expected to occasionally double-release.
func (p *Pool) Release(identity string) {
	p.mu.Lock()
	entry, ok := p.entries[identity]
	if !ok {
		p.mu.Unlock()
		logging.Debug().Str("chatId", identity).Msg("release without entry ignored")
		return
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, identity)
	p.mu.Unlock()

	entry.session.Close()
}

// Refs returns the current reference count for an identity.
func (p *Pool) Refs(identity string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[identity]; ok {
		return entry.refs
	}
	return 0
}

// Len returns the number of live entries.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
