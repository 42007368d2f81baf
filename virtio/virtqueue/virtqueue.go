// Package virtqueue implements the split virtqueue layout shared by
// every virtio-mmio device: the descriptor table, available ring, and
// used ring the guest driver and this host emulate between them.
//
// Grounded on original_source/linux/src/virtio/virtqueue.rs, ported onto
// kernel/folio.GuestAddressSpace in place of the original's GuestMemory,
// and onto plain encoding/binary little-endian decoding in place of the
// original's LittleEndian<T> wrapper type (Go has no such transparent
// wrapper; explicit binary.LittleEndian calls are the idiomatic Go
// rendition, the same style gokvm's virtio/blk.go and virtio/net.go use
// for their own on-the-wire structs).
package virtqueue

import (
	"encoding/binary"

	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/folio"
)

// NumDescsMax bounds a single virtqueue's descriptor table.
const NumDescsMax = 32

const (
	descFNext  = 1
	descFWrite = 2
)

// virtqIRQStatusQueue is the ISR-status bit set whenever this queue
// pushes a used descriptor, matching virtio-mmio's "used buffer
// notification" bit.
const virtqIRQStatusQueue = 1 << 0

const descSize = 16 // sizeof(VirtqDesc): addr(8) + len(4) + flags(2) + next(2)

// VirtqDesc is one descriptor-table entry, exactly as laid out on the
// wire (repr(C) in the original, decoded at fixed offsets by decodeDesc
// here).
type VirtqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDesc(b []byte) VirtqDesc {
	return VirtqDesc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

func (d VirtqDesc) isWriteOnly() bool { return d.Flags&descFWrite != 0 }
func (d VirtqDesc) isReadOnly() bool  { return !d.isWriteOnly() }
func (d VirtqDesc) hasNext() bool     { return d.Flags&descFNext != 0 }

// DescChain is a descriptor chain popped off the available ring, not yet
// split into its readable and writable halves.
type DescChain struct {
	head uint16
}

// Head returns the chain's head descriptor index, the value written
// back into the used ring once the chain is processed.
func (c DescChain) Head() uint16 { return c.head }

// Split walks the chain starting at its head, separating descriptors
// into device-readable and device-writable order-preserving queues.
// Never panics on a malformed chain: a descriptor index past the table
// end, or a chain that never terminates, is reported as an error rather
// than walked forever or read out of bounds.
func (c DescChain) Split(vq *Virtqueue, mem *folio.GuestAddressSpace) (*DescChainReader, *DescChainWriter, bool) {
	var readable, writable []VirtqDesc

	index := c.head
	seen := 0
	for {
		if seen > int(vq.numDescs) {
			klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: descriptor chain loop detected")
			return nil, nil, false
		}
		seen++

		if index >= uint16(vq.numDescs) {
			klog.L.Warning().Uint32("queue", vq.index).Uint16("index", index).Log("virtqueue: descriptor index out of range")
			return nil, nil, false
		}

		descGPA := vq.descGPA + uint64(index)*descSize
		raw := make([]byte, descSize)
		if code := mem.Read(descGPA, raw); code != 0 {
			klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: failed to read descriptor")
			return nil, nil, false
		}
		desc := decodeDesc(raw)

		if desc.isReadOnly() {
			readable = append(readable, desc)
		} else {
			writable = append(writable, desc)
		}

		if !desc.hasNext() {
			break
		}
		index = desc.Next
	}

	return &DescChainReader{mem: mem, descs: readable},
		&DescChainWriter{mem: mem, descs: writable},
		true
}

// DescChainReader reads sequentially out of a chain's device-readable
// descriptors, coalescing byte reads across descriptor boundaries.
type DescChainReader struct {
	mem     *folio.GuestAddressSpace
	descs   []VirtqDesc
	current *descCursor
}

type descCursor struct {
	desc   VirtqDesc
	offset int
}

// ReadBytes copies up to length bytes out of the chain, returning fewer
// if the chain runs out of descriptors first.
func (r *DescChainReader) ReadBytes(dst []byte) (int, bool) {
	n := 0
	for n < len(dst) {
		cur, ok := r.advance()
		if !ok {
			return n, true
		}

		descLen := int(cur.desc.Len)
		available := descLen - cur.offset
		want := len(dst) - n
		if want > available {
			want = available
		}

		gpa := cur.desc.Addr + uint64(cur.offset)
		if code := r.mem.Read(gpa, dst[n:n+want]); code != 0 {
			klog.L.Warning().Log("virtqueue: desc chain reader: out-of-range read")
			return n, false
		}

		n += want
		cur.offset += want
		if cur.offset >= descLen {
			r.current = nil
		} else {
			r.current = cur
		}
	}
	return n, true
}

func (r *DescChainReader) advance() (*descCursor, bool) {
	if r.current != nil {
		return r.current, true
	}
	if len(r.descs) == 0 {
		return nil, false
	}
	desc := r.descs[0]
	r.descs = r.descs[1:]
	cur := &descCursor{desc: desc}
	r.current = cur
	return cur, true
}

// DescChainWriter writes sequentially into a chain's device-writable
// descriptors, tracking the total number of bytes written so the caller
// can report it in the used-ring entry.
type DescChainWriter struct {
	mem        *folio.GuestAddressSpace
	descs      []VirtqDesc
	current    *descCursor
	writtenLen int
}

// WrittenLen reports the total bytes written so far.
func (w *DescChainWriter) WrittenLen() int { return w.writtenLen }

// WriteBytes writes all of src into the chain, refusing to span a write
// across the chain's end (returns false if the chain runs out of
// descriptors before src is exhausted).
func (w *DescChainWriter) WriteBytes(src []byte) bool {
	for len(src) > 0 {
		cur, ok := w.advance()
		if !ok {
			klog.L.Warning().Log("virtqueue: desc chain writer: no more descriptors")
			return false
		}

		descLen := int(cur.desc.Len)
		available := descLen - cur.offset
		want := len(src)
		if want > available {
			want = available
		}

		gpa := cur.desc.Addr + uint64(cur.offset)
		if code := w.mem.Write(gpa, src[:want]); code != 0 {
			klog.L.Warning().Log("virtqueue: desc chain writer: out-of-range write")
			return false
		}

		w.writtenLen += want
		cur.offset += want
		src = src[want:]
		if cur.offset >= descLen {
			w.current = nil
		} else {
			w.current = cur
		}
	}
	return true
}

func (w *DescChainWriter) advance() (*descCursor, bool) {
	if w.current != nil {
		return w.current, true
	}
	if len(w.descs) == 0 {
		return nil, false
	}
	desc := w.descs[0]
	w.descs = w.descs[1:]
	cur := &descCursor{desc: desc}
	w.current = cur
	return cur, true
}

// Device is implemented by a virtio-mmio device model (virtio/net,
// virtio/vfs) to process a popped descriptor chain.
type Device interface {
	Process(mem *folio.GuestAddressSpace, vq *Virtqueue, chain DescChain)
}

// Virtqueue is one split virtqueue: the descriptor-table, avail-ring,
// and used-ring addresses negotiated through virtio-mmio's register
// window, plus the shadow indices tracking how far each side has
// progressed.
type Virtqueue struct {
	index   uint32
	descGPA uint64
	availGPA uint64
	usedGPA uint64

	availIndex uint16
	usedIndex  uint16
	numDescs   uint32

	irqStatus *uint32 // shared with virtio/mmio's ISR-status register
}

// New creates an unconfigured virtqueue; the guest driver fills in its
// addresses and size through virtio-mmio register writes before the
// first queue_notify.
func New(index uint32, irqStatus *uint32) *Virtqueue {
	return &Virtqueue{index: index, numDescs: NumDescsMax, irqStatus: irqStatus}
}

func (vq *Virtqueue) Index() uint32 { return vq.index }

func (vq *Virtqueue) SetQueueSize(n uint32) {
	if n > NumDescsMax {
		n = NumDescsMax
	}
	vq.numDescs = n
}

func setAddr(addr *uint64, value uint32, high bool) {
	if high {
		*addr = (*addr & 0xffffffff) | (uint64(value) << 32)
	} else {
		*addr = (*addr &^ 0xffffffff) | uint64(value)
	}
}

func (vq *Virtqueue) SetDescAddr(value uint32, high bool)   { setAddr(&vq.descGPA, value, high) }
func (vq *Virtqueue) SetDriverAddr(value uint32, high bool) { setAddr(&vq.availGPA, value, high) }
func (vq *Virtqueue) SetDeviceAddr(value uint32, high bool) { setAddr(&vq.usedGPA, value, high) }

// PopAvail pops the next available descriptor chain, if the driver has
// published one since the last pop. Returns ok=false both when there is
// nothing new and when the ring itself can't be read — callers can't
// tell those apart, matching the original (a guest-memory read failure
// here is already logged).
func (vq *Virtqueue) PopAvail(mem *folio.GuestAddressSpace) (DescChain, bool) {
	var availHdr [4]byte // flags(2) + index(2)
	if code := mem.Read(vq.availGPA, availHdr[:]); code != 0 {
		klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: failed to read avail ring header")
		return DescChain{}, false
	}
	availIndexHost := binary.LittleEndian.Uint16(availHdr[2:4])
	if availIndexHost == vq.availIndex {
		return DescChain{}, false
	}

	slot := uint32(vq.availIndex) % vq.numDescs
	ringGPA := vq.availGPA + 4 + uint64(slot)*2

	var raw [2]byte
	if code := mem.Read(ringGPA, raw[:]); code != 0 {
		klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: failed to read avail ring entry")
		return DescChain{}, false
	}
	descIndex := binary.LittleEndian.Uint16(raw[:])

	if uint32(descIndex) >= vq.numDescs {
		klog.L.Warning().Uint32("queue", vq.index).Uint16("desc_index", descIndex).Log("virtqueue: avail ring named an out-of-range descriptor")
		return DescChain{}, false
	}

	vq.availIndex++
	return DescChain{head: descIndex}, true
}

// PushUsed records writtenLen bytes against chain's head descriptor in
// the used ring, bumps the shared ISR-status word, and lets the virtio-
// mmio device model decide whether to assert the guest's IRQ line.
func (vq *Virtqueue) PushUsed(mem *folio.GuestAddressSpace, chain DescChain, writtenLen uint32) {
	if uint32(chain.head) >= vq.numDescs {
		klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: push_used: chain head out of range")
		return
	}

	slot := uint32(vq.usedIndex) % vq.numDescs
	elemGPA := vq.usedGPA + 4 + uint64(slot)*8 // used-ring header(4) + elem(id u32, len u32)

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(chain.head))
	binary.LittleEndian.PutUint32(elem[4:8], writtenLen)
	if code := mem.Write(elemGPA, elem[:]); code != 0 {
		klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: push_used: failed to write used ring entry")
		return
	}

	vq.usedIndex++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], vq.usedIndex)
	if code := mem.Write(vq.usedGPA+2, idx[:]); code != 0 {
		klog.L.Warning().Uint32("queue", vq.index).Log("virtqueue: push_used: failed to write used index")
		return
	}

	if vq.irqStatus != nil {
		*vq.irqStatus |= virtqIRQStatusQueue
	}
}

// Notify drains every chain the driver has made available since the
// last notify, handing each to device.
func (vq *Virtqueue) Notify(mem *folio.GuestAddressSpace, device Device) {
	for {
		chain, ok := vq.PopAvail(mem)
		if !ok {
			return
		}
		device.Process(mem, vq, chain)
	}
}
