// Package handle implements Handle, AnyHandle, and HandleTable: the
// capability layer through which every userspace-visible kernel object is
// named and rights-checked.
//
// Grounded on the original kernel's handle.rs. kernel/poll owns the
// Handleable interface (to avoid an import cycle between handle and
// poll), so this package type-aliases it.
package handle

import (
	"sync"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/refcount"
	"github.com/starina-os/starina/kernel/rights"
)

// NumHandlesMax bounds how many live handles a single process's
// HandleTable may hold at once.
const NumHandlesMax = 128

// Handleable is every kernel object nameable by a handle.
type Handleable = poll.Handleable

// PtrHandleable constrains T so that *T implements Handleable. Every
// kernel object type (Poll, Channel, Folio, Timer, ...) implements
// Handleable on a pointer receiver, since the methods mutate shared
// state; Go generics has no direct way to say "T's pointer type
// implements I", so this constraint carries the *T relationship
// explicitly and lets constraint type inference recover PT from T alone
// at call sites.
type PtrHandleable[T any] interface {
	*T
	Handleable
}

// Handle is a reference-counted, rights-checked pointer to a kernel
// object — a capability. PT is always *T; it exists only so the
// compiler can see that *T satisfies Handleable.
type Handle[T any, PT PtrHandleable[T]] struct {
	object refcount.SharedRef[T]
	rights rights.Set
}

// New wraps object with the given rights.
func New[T any, PT PtrHandleable[T]](object refcount.SharedRef[T], r rights.Set) Handle[T, PT] {
	return Handle[T, PT]{object: object, rights: r}
}

// IntoObject returns the underlying SharedRef, consuming the Handle's
// rights annotation (matching the original's `into_object`, used once a
// caller has already rights-checked the handle).
func (h Handle[T, PT]) IntoObject() refcount.SharedRef[T] {
	return h.object
}

// IsCapable reports whether h carries every bit in required.
func (h Handle[T, PT]) IsCapable(required rights.Set) bool {
	return h.rights.Has(required)
}

// Clone increments the underlying object's reference count.
func (h Handle[T, PT]) Clone() Handle[T, PT] {
	return Handle[T, PT]{object: h.object.Clone(), rights: h.rights}
}

// AnyHandle is a type-erased Handle, the form stored in a HandleTable.
// It plays the role of Rust's `Handle<dyn Handleable>` trait object: Go
// has no such trait-object coercion for generics, so AnyHandle closes
// over the concrete object's methods at construction time.
type AnyHandle struct {
	rights  rights.Set
	raw     any // the concrete refcount.SharedRef[T], for Downcast
	handle  Handleable
	cloneFn func() AnyHandle
}

// Of erases h's concrete type, producing an AnyHandle suitable for
// HandleTable storage.
func Of[T any, PT PtrHandleable[T]](h Handle[T, PT]) AnyHandle {
	return AnyHandle{
		rights: h.rights,
		raw:    h.object,
		handle: PT(h.object.Get()),
		cloneFn: func() AnyHandle {
			return Of[T, PT](h.Clone())
		},
	}
}

// Clone increments the underlying object's reference count.
func (a AnyHandle) Clone() AnyHandle {
	return a.cloneFn()
}

// IsCapable reports whether a carries every bit in required.
func (a AnyHandle) IsCapable(required rights.Set) bool {
	return a.rights.Has(required)
}

// Close runs the underlying object's close hook.
func (a AnyHandle) Close() { a.handle.Close() }

// AddListener registers l against the underlying object.
func (a AnyHandle) AddListener(l *poll.Listener) error { return a.handle.AddListener(l) }

// RemoveListener unregisters p from the underlying object.
func (a AnyHandle) RemoveListener(p *poll.Poll) error { return a.handle.RemoveListener(p) }

// Readiness reports the underlying object's current readiness.
func (a AnyHandle) Readiness() (poll.Readiness, error) { return a.handle.Readiness() }

// Downcast recovers a concrete Handle[T, PT] from an AnyHandle, failing
// with UnexpectedType if the AnyHandle does not wrap a T.
func Downcast[T any, PT PtrHandleable[T]](a AnyHandle) (Handle[T, PT], errcode.ErrorCode) {
	sr, ok := a.raw.(refcount.SharedRef[T])
	if !ok {
		return Handle[T, PT]{}, errcode.UnexpectedType
	}
	return Handle[T, PT]{object: sr, rights: a.rights}, errcode.OK
}

// HandleTable is a per-process map from HandleId to AnyHandle, with
// monotonically increasing IDs starting at 1 (0 is reserved to mean "no
// handle").
type HandleTable struct {
	mu      sync.Mutex
	handles map[handleid.HandleId]AnyHandle
	nextID  int32
}

// NewTable returns an empty HandleTable.
func NewTable() *HandleTable {
	return &HandleTable{handles: make(map[handleid.HandleId]AnyHandle), nextID: 1}
}

// Insert allocates the next HandleId for object.
func (t *HandleTable) Insert(object AnyHandle) (handleid.HandleId, errcode.ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.handles) >= NumHandlesMax {
		return handleid.Zero, errcode.TooManyHandles
	}

	id := handleid.FromRaw(t.nextID)
	if _, exists := t.handles[id]; exists {
		return handleid.Zero, errcode.AlreadyExists
	}

	t.handles[id] = object
	t.nextID++
	return id, errcode.OK
}

// InsertConsecutive inserts two handles under guaranteed-consecutive IDs,
// returning the first. Used for channel-pair creation so userspace can
// derive the partner's ID arithmetically.
func (t *HandleTable) InsertConsecutive(first, second AnyHandle) (handleid.HandleId, errcode.ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.handles)+2 > NumHandlesMax {
		return handleid.Zero, errcode.TooManyHandles
	}

	firstID := handleid.FromRaw(t.nextID)
	secondID := handleid.FromRaw(t.nextID + 1)

	if _, exists := t.handles[firstID]; exists {
		return handleid.Zero, errcode.AlreadyExists
	}
	if _, exists := t.handles[secondID]; exists {
		return handleid.Zero, errcode.AlreadyExists
	}

	t.handles[firstID] = first
	t.handles[secondID] = second
	t.nextID += 2
	return firstID, errcode.OK
}

// IsMovable reports whether id currently names a live handle — used by
// Channel.Send's first (validate) pass before any handle is actually
// removed.
func (t *HandleTable) IsMovable(id handleid.HandleId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[id]
	return ok
}

// GetAny returns a clone of the handle named by id.
func (t *HandleTable) GetAny(id handleid.HandleId) (AnyHandle, errcode.ErrorCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.handles[id]
	if !ok {
		return AnyHandle{}, errcode.NotFound
	}
	return a.Clone(), errcode.OK
}

// Get returns a clone of the handle named by id, downcast to T.
func Get[T any, PT PtrHandleable[T]](t *HandleTable, id handleid.HandleId) (Handle[T, PT], errcode.ErrorCode) {
	a, code := t.GetAny(id)
	if code != errcode.OK {
		return Handle[T, PT]{}, code
	}
	return Downcast[T, PT](a)
}

// Take removes and returns the handle named by id, without running its
// close hook — used when moving a handle into another process's table.
func (t *HandleTable) Take(id handleid.HandleId) (AnyHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	return a, ok
}

// Put installs a handle (typically one received from another process's
// Take) under a freshly allocated ID.
func (t *HandleTable) Put(object AnyHandle) (handleid.HandleId, errcode.ErrorCode) {
	return t.Insert(object)
}

// Close removes the handle named by id and runs its close hook.
func (t *HandleTable) Close(id handleid.HandleId) errcode.ErrorCode {
	t.mu.Lock()
	a, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
	}
	t.mu.Unlock()

	if !ok {
		return errcode.NotFound
	}
	a.Close()
	return errcode.OK
}

// Len reports how many live handles the table currently holds.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
