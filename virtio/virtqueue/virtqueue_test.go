package virtqueue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starina-os/starina/kernel/folio"
)

const (
	testDescGPA  = 0x1000
	testAvailGPA = 0x2000
	testUsedGPA  = 0x3000
	testBufGPA   = 0x4000
)

func newTestMem(t *testing.T) *folio.GuestAddressSpace {
	t.Helper()
	f, code := folio.Alloc(1 << 16)
	require.Equal(t, 0, int(code))
	t.Cleanup(f.Free)
	return folio.NewGuestAddressSpace(0, &f)
}

func writeDesc(t *testing.T, mem *folio.GuestAddressSpace, slot uint16, d VirtqDesc) {
	t.Helper()
	buf := make([]byte, descSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], d.Len)
	binary.LittleEndian.PutUint16(buf[12:14], d.Flags)
	binary.LittleEndian.PutUint16(buf[14:16], d.Next)
	require.Equal(t, 0, int(mem.Write(testDescGPA+uint64(slot)*descSize, buf)))
}

// publishAvail appends descIndex to the avail ring and bumps its
// published index, as the guest driver would.
func publishAvail(t *testing.T, mem *folio.GuestAddressSpace, hostIndex uint16, descIndex uint16) {
	t.Helper()
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], descIndex)
	require.Equal(t, 0, int(mem.Write(testAvailGPA+4+uint64(hostIndex%4)*2, idxBuf[:])))

	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], hostIndex+1)
	require.Equal(t, 0, int(mem.Write(testAvailGPA+2, hdr[:])))
}

func newTestQueue() *Virtqueue {
	vq := New(0, new(uint32))
	vq.SetQueueSize(4)
	vq.SetDescAddr(uint32(testDescGPA), false)
	vq.SetDriverAddr(uint32(testAvailGPA), false)
	vq.SetDeviceAddr(uint32(testUsedGPA), false)
	return vq
}

func TestPopAvailReturnsFalseWhenRingEmpty(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	_, ok := vq.PopAvail(mem)
	require.False(t, ok)
}

func TestPopAvailReadsPublishedChain(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	writeDesc(t, mem, 0, VirtqDesc{Addr: testBufGPA, Len: 64})
	publishAvail(t, mem, 0, 0)

	chain, ok := vq.PopAvail(mem)
	require.True(t, ok)
	require.Equal(t, uint16(0), chain.Head())

	// Nothing new published since.
	_, ok = vq.PopAvail(mem)
	require.False(t, ok)
}

func TestPopAvailRejectsOutOfRangeDescriptorIndex(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	publishAvail(t, mem, 0, 99) // numDescs is 4

	_, ok := vq.PopAvail(mem)
	require.False(t, ok)
}

func TestSplitDetectsLoop(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	// desc 0 -> desc 1 -> desc 0 (cycle), never terminating.
	writeDesc(t, mem, 0, VirtqDesc{Addr: testBufGPA, Len: 8, Flags: descFNext, Next: 1})
	writeDesc(t, mem, 1, VirtqDesc{Addr: testBufGPA, Len: 8, Flags: descFNext, Next: 0})

	_, _, ok := DescChain{head: 0}.Split(vq, mem)
	require.False(t, ok)
}

func TestSplitRejectsOutOfRangeChainIndex(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	_, _, ok := DescChain{head: 50}.Split(vq, mem)
	require.False(t, ok)
}

func TestReadWriteRoundTripAcrossDescriptors(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	// Two readable descriptors back to back, a payload split across them.
	writeDesc(t, mem, 0, VirtqDesc{Addr: testBufGPA, Len: 3, Flags: descFNext, Next: 1})
	writeDesc(t, mem, 1, VirtqDesc{Addr: testBufGPA + 3, Len: 3})
	require.Equal(t, 0, int(mem.Write(testBufGPA, []byte("hello!"))))

	reader, _, ok := DescChain{head: 0}.Split(vq, mem)
	require.True(t, ok)

	buf := make([]byte, 6)
	n, ok := reader.ReadBytes(buf)
	require.True(t, ok)
	require.Equal(t, 6, n)
	require.Equal(t, "hello!", string(buf))
}

func TestWriteFailsWhenChainRunsOut(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	writeDesc(t, mem, 0, VirtqDesc{Addr: testBufGPA, Len: 4, Flags: descFWrite})

	_, writer, ok := DescChain{head: 0}.Split(vq, mem)
	require.True(t, ok)

	require.False(t, writer.WriteBytes([]byte("too long for 4")))
}

func TestPushUsedSetsISRStatus(t *testing.T) {
	mem := newTestMem(t)
	irqStatus := new(uint32)
	vq := New(0, irqStatus)
	vq.SetQueueSize(4)
	vq.SetDescAddr(uint32(testDescGPA), false)
	vq.SetDriverAddr(uint32(testAvailGPA), false)
	vq.SetDeviceAddr(uint32(testUsedGPA), false)

	vq.PushUsed(mem, DescChain{head: 0}, 10)
	require.NotEqual(t, uint32(0), *irqStatus)

	var usedIdx [2]byte
	require.Equal(t, 0, int(mem.Read(testUsedGPA+2, usedIdx[:])))
	require.Equal(t, uint16(1), binary.LittleEndian.Uint16(usedIdx[:]))
}

// notifyCounter records every chain a Notify loop hands it, for
// exercising Device end to end.
type notifyCounter struct {
	chains []DescChain
}

func (n *notifyCounter) Process(mem *folio.GuestAddressSpace, vq *Virtqueue, chain DescChain) {
	n.chains = append(n.chains, chain)
	vq.PushUsed(mem, chain, 0)
}

func TestNotifyDrainsEveryAvailableChain(t *testing.T) {
	mem := newTestMem(t)
	vq := newTestQueue()

	writeDesc(t, mem, 0, VirtqDesc{Addr: testBufGPA, Len: 4})
	writeDesc(t, mem, 1, VirtqDesc{Addr: testBufGPA, Len: 4})
	publishAvail(t, mem, 0, 0)
	publishAvail(t, mem, 1, 1)

	dev := &notifyCounter{}
	vq.Notify(mem, dev)

	require.Len(t, dev.chains, 2)
}
