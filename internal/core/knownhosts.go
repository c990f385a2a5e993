package core

import (
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// knownHostEntry is one remembered peer advertisement, keyed by
// identity and transport protocol (spec §6.5's on-disk layout
// "<hex-identity>.<transport>" persists only the HELLO; lastTried,
// backoff and blacklist live in memory).
type knownHostEntry struct {
	hello      wire.Hello
	lastTried  time.Time
	backoff    time.Duration
	blacklist  time.Time
}

// knownHosts is the in-memory known-hosts store: every HELLO this node
// has ever validated for any transport, consulted by the advertiser's
// broadcast/forward tasks and by incoming-HELLO handling. Grounded on
// the teacher's identity blacklist shape, generalized per-transport.
type knownHosts struct {
	mu      sync.Mutex
	entries map[peer.Identity]map[string]*knownHostEntry
	nowFn   func() time.Time
}

func newKnownHosts(nowFn func() time.Time) *knownHosts {
	return &knownHosts{
		entries: make(map[peer.Identity]map[string]*knownHostEntry),
		nowFn:   nowFn,
	}
}

// Put records or replaces h for the given transport.
func (k *knownHosts) Put(transport string, h wire.Hello) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byTransport, ok := k.entries[h.Originator]
	if !ok {
		byTransport = make(map[string]*knownHostEntry)
		k.entries[h.Originator] = byTransport
	}
	existing, ok := byTransport[transport]
	if !ok {
		byTransport[transport] = &knownHostEntry{hello: h}
		return
	}
	existing.hello = h
}

// Get returns the stored HELLO for (id, transport), if any.
func (k *knownHosts) Get(id peer.Identity, transport string) (wire.Hello, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byTransport, ok := k.entries[id]
	if !ok {
		return wire.Hello{}, false
	}
	e, ok := byTransport[transport]
	if !ok {
		return wire.Hello{}, false
	}
	return e.hello, true
}

// ForEach invokes fn for every known (identity, transport, hello)
// triple not currently blacklisted.
func (k *knownHosts) ForEach(fn func(id peer.Identity, transport string, h wire.Hello)) {
	k.mu.Lock()
	type row struct {
		id        peer.Identity
		transport string
		hello     wire.Hello
	}
	now := k.nowFn()
	var rows []row
	for id, byTransport := range k.entries {
		for transport, e := range byTransport {
			if now.Before(e.blacklist) {
				continue
			}
			rows = append(rows, row{id: id, transport: transport, hello: e.hello})
		}
	}
	k.mu.Unlock()

	for _, r := range rows {
		fn(r.id, r.transport, r.hello)
	}
}

// Count returns the number of distinct known identities.
func (k *knownHosts) Count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Blacklist suppresses (id, transport) from ForEach for d, doubling
// the entry's backoff each time it is called (exponential backoff on
// repeated verification failures), mirroring identity.Store.Blacklist.
func (k *knownHosts) Blacklist(id peer.Identity, transport string, d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byTransport, ok := k.entries[id]
	if !ok {
		return
	}
	e, ok := byTransport[transport]
	if !ok {
		return
	}
	if e.backoff == 0 {
		e.backoff = d
	} else {
		e.backoff *= 2
	}
	e.blacklist = k.nowFn().Add(e.backoff)
}
