package agent

import "sync"

// Key is a typed annotation slot. Declaring keys as package-level values
// gives callers arbitrary per-runtime annotations without losing the
// value's type.
type Key[T any] struct {
	name string
}

// NewKey declares a typed annotation slot. The name addresses the slot;
// two keys with the same name share it.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Annotations is a concurrency-safe set of typed scratch slots attached
// to a runtime.
type Annotations struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// Set stores a value under the key's slot
func Set[T any](a *Annotations, key Key[T], value T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]interface{})
	}
	a.values[key.name] = value
}

// Get returns the value in the key's slot, reporting whether it was set
func Get[T any](a *Annotations, key Key[T]) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	value, ok := a.values[key.name]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// Delete clears the key's slot
func Delete[T any](a *Annotations, key Key[T]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, key.name)
}
