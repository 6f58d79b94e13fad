package realtime

import "sync"

// FeatureListener is a bundle of optional callbacks a feature can attach to
// the connection service. Nil callbacks are skipped.
type FeatureListener struct {
	OnConnect    func()
	OnDisconnect func(reason string)
	OnMessage    func(msg *Message)
	OnError      func(err error)
	OnReconnect  func(attempt int)
}

type listenerEntry struct {
	id       uint64
	listener FeatureListener
}

// listenerRegistry keeps per-feature listeners in registration order. It is
// owned by a single ConnectionService; there is no ambient global state.
type listenerRegistry struct {
	mu       sync.RWMutex
	nextID   uint64
	features map[string][]*listenerEntry
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		features: make(map[string][]*listenerEntry),
	}
}

func (r *listenerRegistry) add(feature string, l FeatureListener) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.features[feature] = append(r.features[feature], &listenerEntry{
		id:       r.nextID,
		listener: l,
	})
	return r.nextID
}

// remove deletes a single listener by id. Removing an id twice is a no-op,
// which makes unsubscribe closures idempotent.
func (r *listenerRegistry) remove(feature string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.features[feature]
	for i, entry := range entries {
		if entry.id == id {
			r.features[feature] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(r.features[feature]) == 0 {
		delete(r.features, feature)
	}
}

// removeFeature drops every listener registered for the feature.
func (r *listenerRegistry) removeFeature(feature string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.features, feature)
}

func (r *listenerRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features = make(map[string][]*listenerEntry)
}

// snapshot returns the feature's listeners in registration order.
func (r *listenerRegistry) snapshot(feature string) []FeatureListener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.features[feature]
	if len(entries) == 0 {
		return nil
	}
	listeners := make([]FeatureListener, len(entries))
	for i, entry := range entries {
		listeners[i] = entry.listener
	}
	return listeners
}

// snapshotAll returns every listener across all features, feature groups in
// unspecified order, listeners within a feature in registration order.
func (r *listenerRegistry) snapshotAll() []FeatureListener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var listeners []FeatureListener
	for _, entries := range r.features {
		for _, entry := range entries {
			listeners = append(listeners, entry.listener)
		}
	}
	return listeners
}
