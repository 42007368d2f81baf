package vfs

// MemFS is a minimal read/write FileSystem backed by an in-memory file
// table, keyed by name directly under the root inode. It exists to
// exercise Device against a real (if trivial) backend, not to model a
// general directory tree.
type MemFS struct {
	files map[string]*memFile
	fhs   map[uint64]*memFile
	nextFH uint64
	nextIno uint64
}

type memFile struct {
	ino  INode
	name string
	data []byte
}

// NewMemFS returns an empty filesystem.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memFile), fhs: make(map[uint64]*memFile), nextIno: 2}
}

// Put seeds a file directly, bypassing any write path -- useful for
// tests and for pre-loading a read-only root.
func (m *MemFS) Put(name string, data []byte) INode {
	f, ok := m.files[name]
	if !ok {
		f = &memFile{ino: INode(m.nextIno), name: name}
		m.nextIno++
		m.files[name] = f
	}
	f.data = data
	return f.ino
}

func (m *MemFS) findByIno(ino INode) (*memFile, bool) {
	for _, f := range m.files {
		if f.ino == ino {
			return f, true
		}
	}
	return nil, false
}

func (m *MemFS) Lookup(parent INode, name []byte) (FuseEntryOut, Errno) {
	f, ok := m.files[string(name)]
	if !ok {
		return FuseEntryOut{}, ErrnoNoEnt
	}
	return FuseEntryOut{
		NodeID: uint64(f.ino),
		Attr:   FuseAttr{Ino: uint64(f.ino), Size: uint64(len(f.data)), Mode: 0o100644, Nlink: 1},
	}, ErrnoOK
}

func (m *MemFS) Open(ino INode, in FuseOpenIn) (FuseOpenOut, Errno) {
	f, ok := m.findByIno(ino)
	if !ok {
		return FuseOpenOut{}, ErrnoNoEnt
	}
	m.nextFH++
	fh := m.nextFH
	m.fhs[fh] = f
	return FuseOpenOut{FH: fh}, ErrnoOK
}

func (m *MemFS) GetAttr(ino INode, in FuseGetAttrIn) (FuseGetAttrOut, Errno) {
	f, ok := m.findByIno(ino)
	if !ok {
		return FuseGetAttrOut{}, ErrnoNoEnt
	}
	return FuseGetAttrOut{Attr: FuseAttr{Ino: uint64(f.ino), Size: uint64(len(f.data)), Mode: 0o100644, Nlink: 1}}, ErrnoOK
}

func (m *MemFS) Flush(ino INode, in FuseFlushIn) Errno {
	if _, ok := m.fhs[in.FH]; !ok {
		return ErrnoBadF
	}
	return ErrnoOK
}

func (m *MemFS) Release(ino INode, in FuseReleaseIn) Errno {
	delete(m.fhs, in.FH)
	return ErrnoOK
}

func (m *MemFS) Read(ino INode, in FuseReadIn, completer ReadCompleter) {
	f, ok := m.fhs[in.FH]
	if !ok {
		completer.ReplyError(ErrnoBadF)
		return
	}
	start := int(in.Offset)
	if start > len(f.data) {
		start = len(f.data)
	}
	end := start + int(in.Size)
	if end > len(f.data) {
		end = len(f.data)
	}
	completer.Reply(f.data[start:end])
}

func (m *MemFS) Write(ino INode, in FuseWriteIn, data []byte) (FuseWriteOut, Errno) {
	f, ok := m.fhs[in.FH]
	if !ok {
		return FuseWriteOut{}, ErrnoBadF
	}
	end := int(in.Offset) + len(data)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[in.Offset:], data)
	return FuseWriteOut{Size: uint32(len(data))}, ErrnoOK
}
