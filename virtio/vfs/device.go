package vfs

import (
	"encoding/binary"

	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/virtio/virtqueue"
)

const deviceIDFs = 26 // virtio-fs

// reply wraps one request's writer, its FUSE unique id, and the chain
// bookkeeping needed to push the reply onto the used ring exactly once.
type reply struct {
	mem    *folio.GuestAddressSpace
	vq     *virtqueue.Virtqueue
	chain  virtqueue.DescChain
	writer *virtqueue.DescChainWriter
	unique uint64
}

func (r *reply) header(length int, errno Errno) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(errno)))
	binary.LittleEndian.PutUint64(buf[8:16], r.unique)
	return buf
}

// replyWithOut writes a FuseOutHeader followed by out's encoding, then
// pushes the used ring entry.
func (r *reply) replyWithOut(out []byte) {
	total := 16 + len(out)
	if !r.writer.WriteBytes(r.header(total, ErrnoOK)) || (len(out) > 0 && !r.writer.WriteBytes(out)) {
		klog.L.Warning().Log("virtio-fs: reply write overran the descriptor chain")
		return
	}
	r.vq.PushUsed(r.mem, r.chain, uint32(r.writer.WrittenLen()))
}

func (r *reply) replyWithoutData() {
	if !r.writer.WriteBytes(r.header(16, ErrnoOK)) {
		klog.L.Warning().Log("virtio-fs: reply write overran the descriptor chain")
		return
	}
	r.vq.PushUsed(r.mem, r.chain, uint32(r.writer.WrittenLen()))
}

// replyBytes is used by FUSE_READ's ReadCompleter to stream a result
// straight into the descriptor writer with no intermediate buffer.
func (r *reply) replyBytes(data []byte) {
	total := 16 + len(data)
	if !r.writer.WriteBytes(r.header(total, ErrnoOK)) {
		klog.L.Warning().Log("virtio-fs: reply header write overran the descriptor chain")
		return
	}
	if len(data) > 0 && !r.writer.WriteBytes(data) {
		klog.L.Warning().Log("virtio-fs: reply data write overran the descriptor chain")
		return
	}
	r.vq.PushUsed(r.mem, r.chain, uint32(r.writer.WrittenLen()))
}

// replyError writes a bare FuseOutHeader carrying errno as a protocol
// error (spec.md §4.8 step 4: "on a protocol error, write a
// FuseOutHeader with error set to the negative errno").
func (r *reply) replyError(errno Errno) {
	if !r.writer.WriteBytes(r.header(16, errno)) {
		klog.L.Warning().Log("virtio-fs: error reply overran the descriptor chain")
		return
	}
	r.vq.PushUsed(r.mem, r.chain, uint32(r.writer.WrittenLen()))
}

// Device is the virtio-fs device model: one request queue dispatching
// FUSE opcodes to a backing FileSystem (spec.md §4.8).
type Device struct {
	tag string
	fs  FileSystem
}

// New builds a virtio-fs device presenting tag (up to 35 bytes, e.g.
// "myfs") as its mount tag, backed by fs.
func New(tag string, fs FileSystem) *Device {
	return &Device{tag: tag, fs: fs}
}

func (d *Device) NumQueues() uint32      { return 1 }
func (d *Device) DeviceID() uint32       { return deviceIDFs }
func (d *Device) VendorID() uint32       { return 0 }
func (d *Device) DeviceFeatures() uint64 { return 0 }

// ConfigRead serves the virtio-fs config space: a 36-byte tag followed
// by num_request_queues and notify_buf_size.
func (d *Device) ConfigRead(offset uint64, dst []byte) {
	var cfg [44]byte
	copy(cfg[0:36], d.tag)
	binary.LittleEndian.PutUint32(cfg[36:40], 1) // num_request_queues
	binary.LittleEndian.PutUint32(cfg[40:44], 0) // notify_buf_size

	for i := range dst {
		o := offset + uint64(i)
		if o < uint64(len(cfg)) {
			dst[i] = cfg[o]
		} else {
			dst[i] = 0
		}
	}
}

// Process decodes one FUSE request out of chain and dispatches it
// (spec.md §4.8). A malformed in-header is logged and the chain is
// dropped silently — a transport error, per spec.md §4.8 step 4 and
// §7's "never panic on guest input" policy.
func (d *Device) Process(mem *folio.GuestAddressSpace, vq *virtqueue.Virtqueue, chain virtqueue.DescChain) {
	reader, writer, ok := chain.Split(vq, mem)
	if !ok {
		return
	}

	var hdrBuf [40]byte
	n, ok := reader.ReadBytes(hdrBuf[:])
	if !ok || n != len(hdrBuf) {
		klog.L.Warning().Log("virtio-fs: failed to read fuse_in header, dropping request")
		return
	}
	in := FuseInHeader{
		Len:    binary.LittleEndian.Uint32(hdrBuf[0:4]),
		Opcode: binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Unique: binary.LittleEndian.Uint64(hdrBuf[8:16]),
		NodeID: binary.LittleEndian.Uint64(hdrBuf[16:24]),
		UID:    binary.LittleEndian.Uint32(hdrBuf[24:28]),
		GID:    binary.LittleEndian.Uint32(hdrBuf[28:32]),
		PID:    binary.LittleEndian.Uint32(hdrBuf[32:36]),
	}

	r := &reply{mem: mem, vq: vq, chain: chain, writer: writer, unique: in.Unique}
	ino := INode(in.NodeID)

	switch in.Opcode {
	case opInit:
		d.doInit(reader, r)
	case opLookup:
		d.doLookup(in, reader, r, ino)
	case opOpen:
		d.doOpen(reader, r, ino)
	case opGetattr:
		d.doGetattr(reader, r, ino)
	case opFlush:
		d.doFlush(reader, r, ino)
	case opRelease:
		d.doRelease(reader, r, ino)
	case opRead:
		d.doRead(reader, r, ino)
	case opWrite:
		d.doWrite(in, reader, r, ino)
	default:
		klog.L.Warning().Uint32("opcode", in.Opcode).Log("virtio-fs: unknown opcode, dropping request")
	}
}

func (d *Device) doInit(reader *virtqueue.DescChainReader, r *reply) {
	var buf [16]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	major := binary.LittleEndian.Uint32(buf[0:4])
	minor := binary.LittleEndian.Uint32(buf[4:8])
	if major != 7 {
		klog.L.Warning().Uint32("major", major).Log("virtio-fs: unsupported FUSE major version")
		r.replyError(ErrnoInval)
		return
	}

	r.replyWithOut(encodeFuseInitOut(FuseInitOut{Major: major, Minor: minor}))
}

func (d *Device) doLookup(in FuseInHeader, reader *virtqueue.DescChainReader, r *reply, parent INode) {
	nameLen := int(in.Len) - 40
	if nameLen <= 0 || nameLen > 256 {
		r.replyError(ErrnoInval)
		return
	}
	name := make([]byte, nameLen)
	if n, ok := reader.ReadBytes(name); !ok || n != nameLen {
		r.replyError(ErrnoInval)
		return
	}
	// Trim any NUL padding the guest driver appended.
	for len(name) > 0 && name[len(name)-1] == 0 {
		name = name[:len(name)-1]
	}

	entry, errno := d.fs.Lookup(parent, name)
	if errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	r.replyWithOut(encodeFuseEntryOut(entry))
}

func (d *Device) doOpen(reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [8]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	in := FuseOpenIn{Flags: binary.LittleEndian.Uint32(buf[0:4])}

	out, errno := d.fs.Open(ino, in)
	if errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	enc := make([]byte, 16)
	binary.LittleEndian.PutUint64(enc[0:8], out.FH)
	binary.LittleEndian.PutUint32(enc[8:12], out.OpenFlags)
	r.replyWithOut(enc)
}

func (d *Device) doGetattr(reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [16]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	in := FuseGetAttrIn{
		GetattrFlags: binary.LittleEndian.Uint32(buf[0:4]),
		FH:           binary.LittleEndian.Uint64(buf[8:16]),
	}

	out, errno := d.fs.GetAttr(ino, in)
	if errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	r.replyWithOut(encodeGetAttrOut(out))
}

func (d *Device) doFlush(reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [24]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	in := FuseFlushIn{FH: binary.LittleEndian.Uint64(buf[0:8])}

	if errno := d.fs.Flush(ino, in); errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	r.replyWithoutData()
}

func (d *Device) doRelease(reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [24]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	in := FuseReleaseIn{
		FH:    binary.LittleEndian.Uint64(buf[0:8]),
		Flags: binary.LittleEndian.Uint32(buf[8:12]),
	}

	if errno := d.fs.Release(ino, in); errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	r.replyWithoutData()
}

func (d *Device) doRead(reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [40]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	in := FuseReadIn{
		FH:     binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Size:   binary.LittleEndian.Uint32(buf[16:20]),
	}

	d.fs.Read(ino, in, ReadCompleter{reply: r})
}

func (d *Device) doWrite(in FuseInHeader, reader *virtqueue.DescChainReader, r *reply, ino INode) {
	var buf [40]byte
	if n, ok := reader.ReadBytes(buf[:]); !ok || n != len(buf) {
		r.replyError(ErrnoInval)
		return
	}
	wIn := FuseWriteIn{
		FH:     binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Size:   binary.LittleEndian.Uint32(buf[16:20]),
	}

	dataLen := int(wIn.Size)
	if dataLen < 0 || dataLen > 1<<20 {
		r.replyError(ErrnoInval)
		return
	}
	data := make([]byte, dataLen)
	if dataLen > 0 {
		if n, ok := reader.ReadBytes(data); !ok || n != dataLen {
			r.replyError(ErrnoInval)
			return
		}
	}

	out, errno := d.fs.Write(ino, wIn, data)
	if errno != ErrnoOK {
		r.replyError(errno)
		return
	}
	enc := make([]byte, 8)
	binary.LittleEndian.PutUint32(enc[0:4], out.Size)
	r.replyWithOut(enc)
}

func encodeFuseInitOut(o FuseInitOut) []byte {
	buf := make([]byte, 64) // major,minor,max_readahead,flags,max_bg(2),congestion(2),max_write,time_gran,unused[9]
	binary.LittleEndian.PutUint32(buf[0:4], o.Major)
	binary.LittleEndian.PutUint32(buf[4:8], o.Minor)
	binary.LittleEndian.PutUint32(buf[8:12], o.MaxReadahead)
	binary.LittleEndian.PutUint32(buf[12:16], o.Flags)
	binary.LittleEndian.PutUint16(buf[16:18], o.MaxBackground)
	binary.LittleEndian.PutUint16(buf[18:20], o.CongestionThreshold)
	binary.LittleEndian.PutUint32(buf[20:24], o.MaxWrite)
	binary.LittleEndian.PutUint32(buf[24:28], o.TimeGran)
	return buf
}

func encodeFuseEntryOut(e FuseEntryOut) []byte {
	buf := make([]byte, 16+16+8+88) // nodeid+generation,entry_valid+attr_valid,entry/attr_valid_nsec, attr
	binary.LittleEndian.PutUint64(buf[0:8], e.NodeID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Generation)
	binary.LittleEndian.PutUint64(buf[16:24], e.EntryValid)
	binary.LittleEndian.PutUint64(buf[24:32], e.AttrValid)
	binary.LittleEndian.PutUint32(buf[32:36], e.EntryValidNsec)
	binary.LittleEndian.PutUint32(buf[36:40], e.AttrValidNsec)
	copy(buf[40:], encodeFuseAttr(e.Attr))
	return buf
}

func encodeGetAttrOut(o FuseGetAttrOut) []byte {
	buf := make([]byte, 16+88)
	binary.LittleEndian.PutUint64(buf[0:8], o.AttrValid)
	binary.LittleEndian.PutUint32(buf[8:12], o.AttrValidNsec)
	copy(buf[16:], encodeFuseAttr(o.Attr))
	return buf
}

func encodeFuseAttr(a FuseAttr) []byte {
	buf := make([]byte, 88)
	binary.LittleEndian.PutUint64(buf[0:8], a.Ino)
	binary.LittleEndian.PutUint64(buf[8:16], a.Size)
	binary.LittleEndian.PutUint64(buf[16:24], a.Blocks)
	binary.LittleEndian.PutUint64(buf[24:32], a.Atime)
	binary.LittleEndian.PutUint64(buf[32:40], a.Mtime)
	binary.LittleEndian.PutUint64(buf[40:48], a.Ctime)
	binary.LittleEndian.PutUint32(buf[48:52], a.AtimeNsec)
	binary.LittleEndian.PutUint32(buf[52:56], a.MtimeNsec)
	binary.LittleEndian.PutUint32(buf[56:60], a.CtimeNsec)
	binary.LittleEndian.PutUint32(buf[60:64], a.Mode)
	binary.LittleEndian.PutUint32(buf[64:68], a.Nlink)
	binary.LittleEndian.PutUint32(buf[68:72], a.UID)
	binary.LittleEndian.PutUint32(buf[72:76], a.GID)
	binary.LittleEndian.PutUint32(buf[76:80], a.Rdev)
	binary.LittleEndian.PutUint32(buf[80:84], a.Blksize)
	return buf
}
