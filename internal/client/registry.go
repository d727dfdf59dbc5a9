package client

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kilovolt "github.com/strimertul/kilovolt-client-go"
)

// subscription is the handle returned to callers.
type subscription struct {
	id     string
	target string
	prefix bool
}

func (s *subscription) ID() string     { return s.id }
func (s *subscription) Target() string { return s.target }
func (s *subscription) IsPrefix() bool { return s.prefix }

type listenerEntry struct {
	sub *subscription
	fn  kilovolt.Listener
}

// registry maps subscribed keys and prefixes to their listeners. It is the
// source of truth for reconnect replay: entries survive connection drops and
// are only removed by Unsubscribe.
type registry struct {
	mu       sync.Mutex
	keys     map[string][]*listenerEntry
	prefixes map[string][]*listenerEntry
	log      *zap.Logger
}

func newRegistry(log *zap.Logger) *registry {
	return &registry{
		keys:     make(map[string][]*listenerEntry),
		prefixes: make(map[string][]*listenerEntry),
		log:      log,
	}
}

// add registers a listener locally and reports whether it is the first for
// its target, in which case the caller must issue the server-side subscribe.
func (r *registry) add(target string, prefix bool, fn kilovolt.Listener) (*subscription, bool) {
	entry := &listenerEntry{
		sub: &subscription{
			id:     uuid.New().String(),
			target: target,
			prefix: prefix,
		},
		fn: fn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.tableFor(prefix)
	existing := table[target]
	table[target] = append(existing, entry)
	return entry.sub, len(existing) == 0
}

// remove drops a listener and reports whether it was the last for its
// target, in which case the caller must issue the server-side unsubscribe.
func (r *registry) remove(sub *subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.tableFor(sub.prefix)
	entries, ok := table[sub.target]
	if !ok {
		return false, kilovolt.ErrNotSubscribed
	}

	for i, e := range entries {
		if e.sub.id != sub.id {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(table, sub.target)
			return true, nil
		}
		table[sub.target] = entries
		return false, nil
	}
	return false, kilovolt.ErrNotSubscribed
}

// dispatch delivers a push event to every key listener for the key and every
// prefix listener whose prefix matches, in registration order per target.
// Listener panics are isolated and logged.
func (r *registry) dispatch(key, value string) {
	r.mu.Lock()
	entries := append([]*listenerEntry(nil), r.keys[key]...)
	for prefix, list := range r.prefixes {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, list...)
		}
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.invoke(e, key, value)
	}
}

func (r *registry) invoke(e *listenerEntry, key, value string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("subscription listener panicked",
				zap.String("key", key),
				zap.String("target", e.sub.target),
				zap.Any("panic", rec))
		}
	}()
	e.fn(key, value)
}

// replayTargets snapshots the keys and prefixes that currently have at least
// one listener, for re-subscribing after a reconnect.
func (r *registry) replayTargets() (keys []string, prefixes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.keys {
		keys = append(keys, k)
	}
	for p := range r.prefixes {
		prefixes = append(prefixes, p)
	}
	return keys, prefixes
}

func (r *registry) tableFor(prefix bool) map[string][]*listenerEntry {
	if prefix {
		return r.prefixes
	}
	return r.keys
}
