package core

import (
	"sort"
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// fragmentBuckets is the number of hash buckets the reassembler spreads
// in-flight messages across, keyed by (sender, fragment id) (spec §4.8:
// "16 buckets").
const fragmentBuckets = 16

// fragmentExpiry and fragmentPurgeInterval bound how long a partial
// message waits for its missing pieces before being discarded (spec
// §4.8: "expire after 3 minutes; a purge task runs once a minute").
const (
	fragmentExpiry        = 3 * time.Minute
	fragmentPurgeInterval = time.Minute
)

// fragmentKey identifies one in-flight reassembly.
type fragmentKey struct {
	sender peer.Identity
	id     uint32
}

// fragmentPiece is one received range of a message under reassembly,
// kept in an offset-ordered linked list per spec §4.8 ("ordered by
// offset within the bucket chain"). Pieces may partly overlap their
// neighbours; coverageLocked skips the overlapping bytes.
type fragmentPiece struct {
	offset uint16
	data   []byte
	next   *fragmentPiece
}

func (p *fragmentPiece) end() uint16 {
	return p.offset + uint16(len(p.data)) //nolint:gosec // bounded by wire.Fragment validation
}

// fragmentAssembly tracks one message's pieces until full coverage is
// reached.
type fragmentAssembly struct {
	key      fragmentKey
	total    uint16
	head     *fragmentPiece
	lastSeen time.Time
}

// fragmentReassembler merges incoming Fragment messages back into
// complete plaintexts (spec §4.8). Grounded on the teacher's
// bfd/fragment-less single-packet model generalized using
// original_source/src/server/fragmentation.c's coverage-merge
// algorithm: reject on length mismatch, find neighbors, drop enclosed
// pieces, insert, then check for full coverage.
type fragmentReassembler struct {
	mu      sync.Mutex
	buckets [fragmentBuckets]map[fragmentKey]*fragmentAssembly
	nowFn   func() time.Time
	onReady func(sender peer.Identity, id uint32, body []byte)
}

func newFragmentReassembler(nowFn func() time.Time, onReady func(peer.Identity, uint32, []byte)) *fragmentReassembler {
	r := &fragmentReassembler{nowFn: nowFn, onReady: onReady}
	for i := range r.buckets {
		r.buckets[i] = make(map[fragmentKey]*fragmentAssembly)
	}
	return r
}

func (r *fragmentReassembler) bucketFor(key fragmentKey) int {
	h := uint32(key.id)
	for _, b := range key.sender[:4] {
		h = h*31 + uint32(b)
	}
	return int(h % fragmentBuckets)
}

// Offer merges one fragment into its assembly. If the merge completes
// full coverage, the reassembled body is delivered via onReady and the
// assembly is removed.
func (r *fragmentReassembler) Offer(sender peer.Identity, frag wire.Fragment) {
	key := fragmentKey{sender: sender, id: frag.ID}
	bucket := r.buckets[r.bucketFor(key)]

	r.mu.Lock()
	defer r.mu.Unlock()

	asm, ok := bucket[key]
	if !ok {
		asm = &fragmentAssembly{key: key, total: frag.TotalLen}
		bucket[key] = asm
	} else if asm.total != frag.TotalLen {
		// Total length disagreement: a stale or malicious fragment under
		// the same id. Reject it rather than trust the newer claim.
		return
	}
	asm.lastSeen = r.nowFn()

	if frag.Complete() {
		delete(bucket, key)
		r.onReady(sender, frag.ID, frag.Payload)
		return
	}

	r.mergeLocked(asm, frag)

	if body, ok := coverageLocked(asm); ok {
		delete(bucket, key)
		r.onReady(sender, frag.ID, body)
	}
}

// mergeLocked inserts frag's range into asm's piece list, dropping any
// existing piece it fully encloses and skipping insertion if an
// existing piece already encloses it (spec §4.8: "drop enclosed
// fragments"). Caller holds r.mu.
func (r *fragmentReassembler) mergeLocked(asm *fragmentAssembly, frag wire.Fragment) {
	newPiece := &fragmentPiece{offset: frag.Offset, data: frag.Payload}

	var prev, cur *fragmentPiece
	for cur = asm.head; cur != nil; cur = cur.next {
		if cur.offset <= newPiece.offset && cur.end() >= newPiece.end() {
			return // fully enclosed by an existing piece
		}
		if cur.offset >= newPiece.offset {
			break
		}
		prev = cur
	}

	// Drop any existing pieces the new one fully encloses.
	for cur != nil && cur.offset >= newPiece.offset && cur.end() <= newPiece.end() {
		cur = cur.next
	}

	newPiece.next = cur
	if prev == nil {
		asm.head = newPiece
	} else {
		prev.next = newPiece
	}
}

// coverageLocked reports whether asm's pieces, laid end to end, cover
// [0, total) with no gaps, and if so returns the assembled body.
func coverageLocked(asm *fragmentAssembly) ([]byte, bool) {
	if asm.head == nil || asm.head.offset != 0 {
		return nil, false
	}
	body := make([]byte, 0, asm.total)
	cursor := uint16(0)
	for p := asm.head; p != nil; p = p.next {
		if p.offset > cursor {
			return nil, false // gap
		}
		if p.end() > cursor {
			overlap := cursor - p.offset
			body = append(body, p.data[overlap:]...)
			cursor = p.end()
		}
	}
	if cursor != asm.total {
		return nil, false
	}
	return body, true
}

// Purge removes assemblies untouched for longer than fragmentExpiry
// (spec §4.8: "expire after 3 minutes"). Intended to be called once a
// minute by the owning manager's background loop.
func (r *fragmentReassembler) Purge(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bucket := range r.buckets {
		for key, asm := range bucket {
			if now.Sub(asm.lastSeen) > fragmentExpiry {
				delete(bucket, key)
			}
		}
	}
}

// debugSortedKeys is used only by tests to make bucket iteration order
// deterministic when asserting purge behavior.
func (r *fragmentReassembler) debugSortedKeys() []fragmentKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []fragmentKey
	for _, bucket := range r.buckets {
		for k := range bucket {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].id < keys[j].id })
	return keys
}
