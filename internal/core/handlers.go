package core

import (
	"sync"

	"github.com/veilnet/overlayd/internal/peer"
)

// HandlerFunc processes one demultiplexed part body from peer id. An
// error aborts the remaining parts of the same message (spec §4.4 step
// 6: "Handlers run in series; the first to return an error aborts the
// remaining parts of the message").
type HandlerFunc func(from peer.Identity, body []byte) error

// PaddingFunc is a registered padding callback (spec §4.3 step 6): it
// declares the minimum space it needs and, given a budget, returns the
// bytes to splice in, or nil to skip this round.
type PaddingFunc func(minPadding, budget int) []byte

// SendNotifyFunc is invoked once per successfully sealed and handed-off
// datagram (spec §6.3 "registerSendNotify").
type SendNotifyFunc func(to peer.Identity, n int)

// HandlerToken identifies one registered handler or send-notify
// subscriber for later removal (spec §6.3 "registerHandler(...) /
// unregister", "registerSendNotify(fn) / unregisterSendNotify(fn)").
// Go func values aren't comparable, so removal is keyed on the token
// RegisterHandler/RegisterSendNotify hand back rather than on fn itself.
type HandlerToken uint64

type handlerEntry struct {
	token HandlerToken
	fn    HandlerFunc
}

type sendNotifyEntry struct {
	token HandlerToken
	fn    SendNotifyFunc
}

// handlerRegistry holds the callback tables the inbound pipeline and
// outbound scheduler consult: encrypted/plaintext type-handlers,
// padding callbacks, and send-notify subscribers. Grounded on the
// teacher's callback.go: a small mutex-guarded registration-closure
// collection, generalized from BFD's single state-change channel to
// several independent per-concern tables.
type handlerRegistry struct {
	mu sync.RWMutex

	nextToken HandlerToken

	encrypted map[uint16][]handlerEntry
	plaintext map[uint16][]handlerEntry

	padding    []paddingEntry
	sendNotify []sendNotifyEntry
}

type paddingEntry struct {
	minPadding int
	fn         PaddingFunc
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		encrypted: make(map[uint16][]handlerEntry),
		plaintext: make(map[uint16][]handlerEntry),
	}
}

// RegisterHandler adds fn to the chain for partType, in either the
// encrypted or plaintext table (spec §6.3 "registerHandler(type,
// encrypted|plaintext, fn)"), returning a token for UnregisterHandler.
func (r *handlerRegistry) RegisterHandler(partType uint16, encrypted bool, fn HandlerFunc) HandlerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextToken++
	tok := r.nextToken
	entry := handlerEntry{token: tok, fn: fn}
	if encrypted {
		r.encrypted[partType] = append(r.encrypted[partType], entry)
		return tok
	}
	r.plaintext[partType] = append(r.plaintext[partType], entry)
	return tok
}

// UnregisterHandler removes the handler tok identifies from partType's
// chain (spec §6.3's "unregister"). A no-op if tok is unknown or
// already removed.
func (r *handlerRegistry) UnregisterHandler(partType uint16, encrypted bool, tok HandlerToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.plaintext
	if encrypted {
		table = r.encrypted
	}
	table[partType] = removeHandlerEntry(table[partType], tok)
}

func removeHandlerEntry(chain []handlerEntry, tok HandlerToken) []handlerEntry {
	for i, e := range chain {
		if e.token == tok {
			return append(chain[:i:i], chain[i+1:]...)
		}
	}
	return chain
}

// RegisterSendCallback registers a padding callback (spec §6.3
// "registerSendCallback(minPadding, fn)").
func (r *handlerRegistry) RegisterSendCallback(minPadding int, fn PaddingFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.padding = append(r.padding, paddingEntry{minPadding: minPadding, fn: fn})
}

// RegisterSendNotify subscribes fn to every sealed datagram, returning
// a token for UnregisterSendNotify.
func (r *handlerRegistry) RegisterSendNotify(fn SendNotifyFunc) HandlerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextToken++
	tok := r.nextToken
	r.sendNotify = append(r.sendNotify, sendNotifyEntry{token: tok, fn: fn})
	return tok
}

// UnregisterSendNotify removes the subscriber tok identifies (spec
// §6.3's "unregisterSendNotify"). A no-op if tok is unknown.
func (r *handlerRegistry) UnregisterSendNotify(tok HandlerToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.sendNotify {
		if e.token == tok {
			r.sendNotify = append(r.sendNotify[:i:i], r.sendNotify[i+1:]...)
			return
		}
	}
}

// dispatch runs the handler chain for partType/encrypted against body,
// stopping at the first error (spec §4.4 step 6).
func (r *handlerRegistry) dispatch(partType uint16, encrypted bool, from peer.Identity, body []byte) error {
	r.mu.RLock()
	var chain []handlerEntry
	if encrypted {
		chain = r.encrypted[partType]
	} else {
		chain = r.plaintext[partType]
	}
	r.mu.RUnlock()

	for _, e := range chain {
		if err := e.fn(from, body); err != nil {
			return err
		}
	}
	return nil
}

// notifySend fans out a successful send to every subscriber.
func (r *handlerRegistry) notifySend(to peer.Identity, n int) {
	r.mu.RLock()
	subs := append([]sendNotifyEntry(nil), r.sendNotify...)
	r.mu.RUnlock()
	for _, e := range subs {
		e.fn(to, n)
	}
}

// fillPadding walks registered padding callbacks round-robin until
// either every callback's minimum no longer fits the remaining budget
// or the budget reaches zero (spec §4.3 step 6).
func (r *handlerRegistry) fillPadding(budget int) []byte {
	r.mu.RLock()
	entries := append([]paddingEntry(nil), r.padding...)
	r.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	var out []byte
	progress := true
	for budget > 0 && progress {
		progress = false
		for _, e := range entries {
			if e.minPadding > budget {
				continue
			}
			chunk := e.fn(e.minPadding, budget)
			if len(chunk) == 0 {
				continue
			}
			if len(chunk) > budget {
				chunk = chunk[:budget]
			}
			out = append(out, chunk...)
			budget -= len(chunk)
			progress = true
			if budget <= 0 {
				break
			}
		}
	}
	return out
}
