package unison

// registry is the identity map: at most one live instance per identity
// key. The session arena owns the registered states strongly; Expunge is
// the explicit removal path.
type registry struct {
	byKey map[string]*instanceState
}

func newRegistry() *registry {
	return &registry{byKey: make(map[string]*instanceState)}
}

// register installs st under key. It fails with a ConflictError when a
// different live state already holds the key, unless reload is set (a
// refresh replacing the representative on purpose).
func (r *registry) register(key Key, st *instanceState, reload bool) error {
	h := key.hash()
	if existing, ok := r.byKey[h]; ok && existing != st && !reload {
		return &ConflictError{Key: key}
	}
	r.byKey[h] = st
	st.key = key
	return nil
}

// lookup returns the live state registered under key.
func (r *registry) lookup(key Key) (*instanceState, bool) {
	st, ok := r.byKey[key.hash()]
	return st, ok
}

// forget removes the registration for key, if any.
func (r *registry) forget(key Key) {
	delete(r.byKey, key.hash())
}

// len returns the number of registered identities.
func (r *registry) len() int {
	return len(r.byKey)
}
