package poll

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/handleid"
)

// fakeHandleable is a minimal Handleable whose readiness is driven
// directly by the test, with no actual underlying object.
type fakeHandleable struct {
	readiness Readiness
	listeners []*Listener
	closed    bool
}

func (f *fakeHandleable) Close() { f.closed = true }

func (f *fakeHandleable) AddListener(l *Listener) error {
	f.listeners = append(f.listeners, l)
	return nil
}

func (f *fakeHandleable) RemoveListener(p *Poll) error {
	out := f.listeners[:0]
	for _, l := range f.listeners {
		if l.poll != p {
			out = append(out, l)
		}
	}
	f.listeners = out
	return nil
}

func (f *fakeHandleable) Readiness() (Readiness, error) {
	return f.readiness, nil
}

func (f *fakeHandleable) setReadiness(r Readiness) {
	f.readiness = r
	for _, l := range f.listeners {
		l.Notify(r)
	}
}

// fakeWaiter records whether it was ever woken.
type fakeWaiter struct {
	woken int
}

func (w *fakeWaiter) Wake() { w.woken++ }

func TestTryWaitBlocksWhenNothingReady(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	require.NoError(t, p.Add(p, h, handleid.FromRaw(1), Readable))

	waiter := &fakeWaiter{}
	out := p.TryWait(p, waiter)
	require.True(t, out.Blocked)
}

func TestAddReportsAlreadyReadyHandle(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{readiness: Readable}
	require.NoError(t, p.Add(p, h, handleid.FromRaw(1), Readable))

	waiter := &fakeWaiter{}
	out := p.TryWait(p, waiter)
	require.True(t, out.Ready)
	require.Equal(t, handleid.FromRaw(1), out.ID)
	require.True(t, out.Readiness.Contains(Readable))
}

func TestNotifyWakesExactlyOneBlockedWaiter(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	require.NoError(t, p.Add(p, h, handleid.FromRaw(1), Readable))

	w1 := &fakeWaiter{}
	w2 := &fakeWaiter{}
	require.True(t, p.TryWait(p, w1).Blocked)
	require.True(t, p.TryWait(p, w2).Blocked)

	h.setReadiness(Readable)

	require.Equal(t, 1, w1.woken)
	require.Equal(t, 0, w2.woken)
}

func TestRemoveUnregistersHandle(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	id := handleid.FromRaw(1)
	require.NoError(t, p.Add(p, h, id, Readable))
	require.NoError(t, p.Remove(p, id))

	h.setReadiness(Readable)

	waiter := &fakeWaiter{}
	out := p.TryWait(p, waiter)
	require.True(t, out.Blocked)
	require.Empty(t, h.listeners)
}

func TestRemoveUnknownIDReturnsNotFound(t *testing.T) {
	p := New().Get()
	err := p.Remove(p, handleid.FromRaw(42))
	require.Error(t, err)
	require.Equal(t, errcode.NotFound, err.(*errcode.Error).Code)
}

func TestAddDuplicateIDReturnsAlreadyExists(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	id := handleid.FromRaw(1)
	require.NoError(t, p.Add(p, h, id, Readable))

	err := p.Add(p, &fakeHandleable{}, id, Readable)
	require.Error(t, err)
	require.Equal(t, errcode.AlreadyExists, err.(*errcode.Error).Code)
}

func TestTryWaitSkipsStaleReadyEntryAfterRemove(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	id := handleid.FromRaw(1)
	require.NoError(t, p.Add(p, h, id, Readable))

	p.readyHandles.enqueue(id)
	require.NoError(t, p.Remove(p, id))

	waiter := &fakeWaiter{}
	out := p.TryWait(p, waiter)
	require.True(t, out.Blocked)
}

func TestCloseWakesAllBlockedWaitersWithClosedError(t *testing.T) {
	p := New().Get()
	h := &fakeHandleable{}
	require.NoError(t, p.Add(p, h, handleid.FromRaw(1), Readable))

	w := &fakeWaiter{}
	require.True(t, p.TryWait(p, w).Blocked)

	p.Close()
	require.Equal(t, 1, w.woken)
	require.False(t, h.closed) // Poll.Close does not close watched handles, only detaches

	// A woken waiter's retry must observe a defined Closed error instead
	// of re-blocking forever.
	out := p.TryWait(p, w)
	require.False(t, out.Blocked)
	require.Equal(t, errcode.Closed, out.Err)
}

func TestListenerSetNotifyAllReachesEveryListener(t *testing.T) {
	var s ListenerSet
	p1 := New().Get()
	p2 := New().Get()

	l1 := &Listener{poll: p1, id: handleid.FromRaw(1), interests: Readable}
	l2 := &Listener{poll: p2, id: handleid.FromRaw(2), interests: Readable}
	require.NoError(t, s.AddListener(l1))
	require.NoError(t, s.AddListener(l2))

	h := &fakeHandleable{}
	require.NoError(t, p1.Add(p1, h, handleid.FromRaw(1), Readable))
	h2 := &fakeHandleable{}
	require.NoError(t, p2.Add(p2, h2, handleid.FromRaw(2), Readable))

	// TryWait re-checks each handle's readiness when it pops the ready
	// queue, so both handles must actually be readable.
	h.readiness = Readable
	h2.readiness = Readable
	s.NotifyAll(Readable)

	waiter := &fakeWaiter{}
	require.True(t, p1.TryWait(p1, waiter).Ready)
	require.True(t, p2.TryWait(p2, waiter).Ready)

	require.NoError(t, s.RemoveListener(p2))
}
