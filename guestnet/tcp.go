package guestnet

// TCP flag bits, as carried in the low 8 bits of the TCP header's
// data-offset/flags word.
const (
	tcpFin uint8 = 0x01
	tcpSyn uint8 = 0x02
	tcpRst uint8 = 0x04
	tcpPsh uint8 = 0x08
	tcpAck uint8 = 0x10
)

// TcpConnState is a connection's position in the NAT's simplified TCP
// state machine (spec.md §3, §4.9).
type TcpConnState int

const (
	SynSent TcpConnState = iota
	Established
	FinWait1
	FinWait2
	ClosedState
)

// ConnKey identifies one NAT connection.
type ConnKey struct {
	Proto      IpProto
	RemoteIP   Ipv4Addr
	RemotePort uint16
	GuestPort  uint16
}

// Forwarder receives payload bytes the guest sent on an established
// connection, keyed by which connection they arrived on.
type Forwarder func(key ConnKey, data []byte)

// tcpConn is one NAT connection's mutable state.
type tcpConn struct {
	state       TcpConnState
	seq         uint32
	ack         uint32
	window      uint16
	queuedData  [][]byte
	pendingFlags uint8
	forwarder   Forwarder
}

func newSynSentConn(initialSeq uint32, forwarder Forwarder) *tcpConn {
	return &tcpConn{
		state:     SynSent,
		seq:       initialSeq + 1, // SYN consumes one sequence number
		window:    65535,
		forwarder: forwarder,
	}
}

func (c *tcpConn) isEstablished() bool { return c.state == Established }

func (c *tcpConn) queueData(data []byte) {
	c.queuedData = append(c.queuedData, data)
}

func (c *tcpConn) advanceSeq(n uint32) { c.seq += n }
func (c *tcpConn) setPendingFlags(f uint8) { c.pendingFlags |= f }
func (c *tcpConn) hasPendingReplies() bool  { return c.pendingFlags != 0 }
func (c *tcpConn) close()                   { c.state = ClosedState }

// TcpManager owns every live NAT connection and drives the state
// machine described in spec.md §4.9.
type TcpManager struct {
	conns   map[ConnKey]*tcpConn
	guestIP Ipv4Addr
	guestMac MacAddr
	hostMac  MacAddr
}

func newTcpManager(guestIP Ipv4Addr, guestMac, hostMac MacAddr) *TcpManager {
	return &TcpManager{conns: make(map[ConnKey]*tcpConn), guestIP: guestIP, guestMac: guestMac, hostMac: hostMac}
}

func (m *TcpManager) hasConnection(key ConnKey) bool {
	_, ok := m.conns[key]
	return ok
}

// connectToGuest registers a new connection in SynSent, with the SYN
// flag queued so the next pending-packet drain emits it. The original
// source initializes the sequence number to the constant 1 (spec.md §9,
// an intentional simplification); kept as-is here.
func (m *TcpManager) connectToGuest(key ConnKey, forwarder Forwarder) {
	const initialSeq uint32 = 1
	conn := newSynSentConn(initialSeq, forwarder)
	conn.setPendingFlags(tcpSyn)
	m.conns[key] = conn
}

// SendError enumerates why sendToGuest/sendPendingPacket declined or
// failed to produce a packet.
type SendError int

const (
	SendErrNone SendError = iota
	SendErrUnknownConn
	SendErrNoSendingPackets
)

func (e SendError) Error() string {
	switch e {
	case SendErrUnknownConn:
		return "unknown network connection"
	case SendErrNoSendingPackets:
		return "no packets pending for this connection"
	default:
		return "ok"
	}
}

// sendToGuest queues data for key's connection (spec.md §9: send
// backpressure is not implemented — data queues unconditionally, with
// no maximum, matching the original's own FIXME). If a writer is
// supplied and the connection is ready to transmit, the oldest queued
// chunk is flushed immediately; otherwise it waits for a later
// sendPendingPacket drain.
func (m *TcpManager) sendToGuest(w PacketWriter, key ConnKey, data []byte) (int, error) {
	conn, ok := m.conns[key]
	if !ok {
		return 0, SendErrUnknownConn
	}

	conn.queueData(append([]byte(nil), data...))

	if w == nil || !conn.isEstablished() || conn.hasPendingReplies() {
		return 0, SendErrNoSendingPackets
	}
	return m.transmitQueuedData(w, key, conn)
}

// transmitQueuedData writes the oldest queued chunk for conn through w,
// the one call site that actually touches guest memory for data (as
// opposed to handshake/ack replies, see sendTcpReply).
func (m *TcpManager) transmitQueuedData(w PacketWriter, key ConnKey, conn *tcpConn) (int, error) {
	if len(conn.queuedData) == 0 {
		return 0, SendErrNoSendingPackets
	}
	data := conn.queuedData[0]

	flags := tcpAck
	if len(data) > 0 {
		flags = tcpPsh | tcpAck
	}
	tx := TxTcp{
		SrcIP: key.RemoteIP, DstIP: m.guestIP,
		SrcPort: key.RemotePort, DstPort: key.GuestPort,
		SeqNum: conn.seq, AckNum: conn.ack, Flags: flags, Window: conn.window,
		Payload: data,
	}
	builder := NewPacketBuilder(w, m.guestMac, m.hostMac)
	n, ok := builder.Send(tx)
	if !ok {
		return 0, SendErrNoSendingPackets
	}

	conn.queuedData = conn.queuedData[1:]
	conn.advanceSeq(uint32(len(data)))
	return n, nil
}

func (m *TcpManager) hasPendingPackets() bool {
	for _, c := range m.conns {
		if (len(c.queuedData) > 0 && c.isEstablished()) || c.hasPendingReplies() {
			return true
		}
	}
	return false
}

// sendPendingPacket drains exactly one pending reply or queued-data
// packet, favoring replies (handshake/ack/fin flags) over queued data.
func (m *TcpManager) sendPendingPacket(w PacketWriter) (int, error) {
	for key, conn := range m.conns {
		if conn.pendingFlags == 0 {
			continue
		}
		flags, seq, ack := conn.pendingFlags, conn.seq, conn.ack
		conn.pendingFlags = 0
		return m.sendTcpReply(w, key, flags, seq, ack)
	}

	for key, conn := range m.conns {
		if !conn.isEstablished() || len(conn.queuedData) == 0 {
			continue
		}
		return m.transmitQueuedData(w, key, conn)
	}

	return 0, SendErrNoSendingPackets
}

func (m *TcpManager) sendTcpReply(w PacketWriter, key ConnKey, flags uint8, seq, ack uint32) (int, error) {
	tx := TxTcp{
		SrcIP: key.RemoteIP, DstIP: m.guestIP,
		SrcPort: key.RemotePort, DstPort: key.GuestPort,
		SeqNum: seq, AckNum: ack, Flags: flags, Window: 65535,
	}
	builder := NewPacketBuilder(w, m.guestMac, m.hostMac)
	n, ok := builder.Send(tx)
	if !ok {
		return 0, SendErrNoSendingPackets
	}
	return n, nil
}

// handleTcpPacket advances conn_key's connection state machine in
// response to an inbound frame from the guest.
func (m *TcpManager) handleTcpPacket(tcp RxTcp) {
	key := ConnKey{
		Proto:      IpProtoTcp,
		RemoteIP:   tcp.DstIP,
		RemotePort: tcp.DstPort,
		GuestPort:  tcp.SrcPort,
	}

	conn, ok := m.conns[key]
	if !ok {
		return
	}

	syn := tcp.Flags&tcpSyn != 0
	ack := tcp.Flags&tcpAck != 0
	fin := tcp.Flags&tcpFin != 0
	rst := tcp.Flags&tcpRst != 0

	switch conn.state {
	case SynSent:
		if rst {
			conn.close()
			return
		}
		if syn && ack {
			conn.state = Established
			conn.ack = tcp.SeqNum + 1
			conn.setPendingFlags(tcpAck)
		}

	case Established:
		if rst {
			conn.close()
			return
		}
		if fin {
			conn.state = FinWait1
			conn.ack = tcp.SeqNum + 1
			conn.setPendingFlags(tcpFin | tcpAck)
			return
		}
		if len(tcp.Payload) > 0 {
			conn.ack = tcp.SeqNum + uint32(len(tcp.Payload))
			conn.forwarder(key, tcp.Payload)
			conn.setPendingFlags(tcpAck)
		}

	case FinWait1:
		if ack {
			conn.state = FinWait2
		}

	case FinWait2:
		if fin {
			conn.ack = tcp.SeqNum + 1
			conn.setPendingFlags(tcpAck)
			conn.close()
		}

	case ClosedState:
		// Late packet for an already-closed connection: nothing to do.
	}
}

// State reports key's current state, for tests.
func (m *TcpManager) State(key ConnKey) (TcpConnState, bool) {
	c, ok := m.conns[key]
	if !ok {
		return 0, false
	}
	return c.state, true
}
