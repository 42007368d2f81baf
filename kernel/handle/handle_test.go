package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handleid"
	"github.com/starina-os/starina/kernel/poll"
	"github.com/starina-os/starina/kernel/refcount"
	"github.com/starina-os/starina/kernel/rights"
)

// dummy is a trivial Handleable used only to exercise HandleTable and
// AnyHandle, independent of any real kernel object.
type dummy struct {
	closed bool
}

func (d *dummy) Close()                           { d.closed = true }
func (d *dummy) AddListener(*poll.Listener) error { return nil }
func (d *dummy) RemoveListener(*poll.Poll) error  { return nil }
func (d *dummy) Readiness() (poll.Readiness, error) {
	return poll.Readable, nil
}

func newDummyAnyHandle(r rights.Set) (AnyHandle, refcount.SharedRef[dummy]) {
	sr := refcount.NewSharedRef(dummy{})
	h := New[dummy, *dummy](sr, r)
	return Of[dummy, *dummy](h), sr
}

func TestInsertAndGetAnyRoundTrip(t *testing.T) {
	table := NewTable()
	a, _ := newDummyAnyHandle(rights.Read)

	id, code := table.Insert(a)
	require.Equal(t, errcode.OK, code)
	require.Equal(t, 1, table.Len())

	got, code := table.GetAny(id)
	require.Equal(t, errcode.OK, code)
	require.True(t, got.IsCapable(rights.Read))
}

func TestInsertConsecutiveYieldsAdjacentIDs(t *testing.T) {
	table := NewTable()
	a, _ := newDummyAnyHandle(rights.Read)
	b, _ := newDummyAnyHandle(rights.Write)

	first, code := table.InsertConsecutive(a, b)
	require.Equal(t, errcode.OK, code)
	second := handleid.FromRaw(first.Raw() + 1)

	_, code = table.GetAny(first)
	require.Equal(t, errcode.OK, code)
	_, code = table.GetAny(second)
	require.Equal(t, errcode.OK, code)
}

func TestDowncastRecoversConcreteHandle(t *testing.T) {
	sr := refcount.NewSharedRef(dummy{})
	h := New[dummy, *dummy](sr, rights.Read|rights.Write)
	any := Of[dummy, *dummy](h)

	got, code := Downcast[dummy, *dummy](any)
	require.Equal(t, errcode.OK, code)
	require.True(t, got.IsCapable(rights.Read))
}

func TestTakeRemovesWithoutClosing(t *testing.T) {
	table := NewTable()
	a, sr := newDummyAnyHandle(rights.Read)
	id, _ := table.Insert(a)

	taken, ok := table.Take(id)
	require.True(t, ok)
	require.Equal(t, 0, table.Len())
	require.False(t, sr.Get().closed)

	// Taken is still usable -- e.g. re-installed into another table.
	taken.Close()
	require.True(t, sr.Get().closed)
}

func TestCloseRunsCloseHookAndRemoves(t *testing.T) {
	table := NewTable()
	a, sr := newDummyAnyHandle(rights.Read)
	id, _ := table.Insert(a)

	require.Equal(t, errcode.OK, table.Close(id))
	require.True(t, sr.Get().closed)
	require.Equal(t, 0, table.Len())

	require.Equal(t, errcode.NotFound, table.Close(id))
}

func TestIsMovableReflectsPresence(t *testing.T) {
	table := NewTable()
	a, _ := newDummyAnyHandle(rights.Read)
	id, _ := table.Insert(a)

	require.True(t, table.IsMovable(id))
	table.Take(id)
	require.False(t, table.IsMovable(id))
}

func TestInsertRejectsBeyondMax(t *testing.T) {
	table := NewTable()
	for i := 0; i < NumHandlesMax; i++ {
		a, _ := newDummyAnyHandle(rights.Read)
		_, code := table.Insert(a)
		require.Equal(t, errcode.OK, code)
	}

	a, _ := newDummyAnyHandle(rights.Read)
	_, code := table.Insert(a)
	require.Equal(t, errcode.TooManyHandles, code)
}

func TestCloneIncrementsRefAndPreservesRights(t *testing.T) {
	a, _ := newDummyAnyHandle(rights.Read)
	clone := a.Clone()
	require.True(t, clone.IsCapable(rights.Read))
	require.False(t, clone.IsCapable(rights.Write))
}
