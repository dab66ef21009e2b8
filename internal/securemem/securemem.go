// Package securemem keeps the kernel's shared signing key in memguard-protected
// memory so it cannot be read back from a core dump or swap.
package securemem

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

// Key is an immutable secret held in a locked, guarded buffer.
// A nil or empty Key is valid and means "no key".
type Key struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewKey moves data into guarded memory. memguard wipes the input slice.
func NewKey(data []byte) *Key {
	if len(data) == 0 {
		return &Key{}
	}
	buf := memguard.NewBufferFromBytes(data)
	buf.Freeze()
	return &Key{buf: buf}
}

// NewKeyFromString is NewKey for string input, e.g. the "key" of a connection file.
func NewKeyFromString(s string) *Key {
	return NewKey([]byte(s))
}

// Empty reports whether the key holds no bytes (or has been destroyed).
func (k *Key) Empty() bool {
	return k.Len() == 0
}

// Len returns the key length in bytes.
func (k *Key) Len() int {
	if k == nil {
		return 0
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || !k.buf.IsAlive() {
		return 0
	}
	return k.buf.Size()
}

// WithBytes calls fn with the plaintext key. fn must not retain the slice.
// fn receives nil for an empty key.
func (k *Key) WithBytes(fn func([]byte)) {
	if k == nil {
		fn(nil)
		return
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.buf == nil || !k.buf.IsAlive() {
		fn(nil)
		return
	}
	fn(k.buf.Bytes())
}

// Equal compares the key against plaintext in constant time.
func (k *Key) Equal(other []byte) bool {
	var eq bool
	k.WithBytes(func(b []byte) {
		eq = subtle.ConstantTimeCompare(b, other) == 1
	})
	return eq
}

// Destroy wipes the key. Further use behaves like an empty key.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.buf != nil {
		k.buf.Destroy()
		k.buf = nil
	}
}
