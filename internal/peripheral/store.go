package peripheral

import "sync/atomic"

// CharacteristicStore holds the latest characteristic value.
//
// Writes swap an immutable slice behind an atomic pointer, so a concurrent
// Read observes either the previous or the new value in full.
type CharacteristicStore struct {
	value atomic.Pointer[[]byte]
	def   []byte
}

// NewCharacteristicStore creates a store that reads as def until the first Write
func NewCharacteristicStore(def []byte) *CharacteristicStore {
	return &CharacteristicStore{def: clone(def)}
}

// Write replaces the stored value. The slice is copied.
func (s *CharacteristicStore) Write(b []byte) {
	v := clone(b)
	s.value.Store(&v)
}

// Read returns a copy of the latest value, or the default if nothing was written
func (s *CharacteristicStore) Read() []byte {
	if p := s.value.Load(); p != nil {
		return clone(*p)
	}
	return clone(s.def)
}

// Len returns the length of the latest value
func (s *CharacteristicStore) Len() int {
	if p := s.value.Load(); p != nil {
		return len(*p)
	}
	return len(s.def)
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
