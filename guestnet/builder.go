package guestnet

import "encoding/binary"

// TxPacket is a packet queued for transmission to the guest, one of
// the concrete kinds below.
type TxPacket interface{ isTxPacket() }

type TxArp struct {
	Operation    ArpOp
	SenderHWAddr MacAddr
	SenderIP     Ipv4Addr
	TargetHWAddr MacAddr
	TargetIP     Ipv4Addr
}

type TxTcp struct {
	SrcIP, DstIP     Ipv4Addr
	SrcPort, DstPort uint16
	SeqNum, AckNum   uint32
	Flags            uint8
	Window           uint16
	Payload          []byte
}

func (TxArp) isTxPacket() {}
func (TxTcp) isTxPacket() {}

// PacketBuilder serializes a TxPacket as an Ethernet frame into a
// PacketWriter, computing the IPv4 header checksum (RFC 1071) and the
// TCP pseudo-header checksum (RFC 793) along the way.
type PacketBuilder struct {
	w            PacketWriter
	dstMac       MacAddr
	srcMac       MacAddr
}

// NewPacketBuilder frames every packet written through w as coming
// from srcMac and addressed to dstMac at the Ethernet layer.
func NewPacketBuilder(w PacketWriter, dstMac, srcMac MacAddr) *PacketBuilder {
	return &PacketBuilder{w: w, dstMac: dstMac, srcMac: srcMac}
}

// Send writes packet as a complete Ethernet frame, returning the total
// bytes written or false if the writer ran out of room.
func (b *PacketBuilder) Send(packet TxPacket) (int, bool) {
	switch p := packet.(type) {
	case TxArp:
		if !b.writeEthHeader(uint16(EtherTypeArp)) {
			return 0, false
		}
		if !b.writeArpPacket(p) {
			return 0, false
		}
	case TxTcp:
		totalLen := uint16(20 + 20 + len(p.Payload))
		if !b.writeEthHeader(uint16(EtherTypeIpv4)) {
			return 0, false
		}
		if !b.writeIpv4Header(uint8(IpProtoTcp), totalLen, p.SrcIP, p.DstIP) {
			return 0, false
		}
		if !b.writeTcpHeader(p) {
			return 0, false
		}
		if len(p.Payload) > 0 && !b.w.WriteBytes(p.Payload) {
			return 0, false
		}
	}
	return b.w.WrittenLen(), true
}

// checksum computes the RFC 1071 Internet checksum over the
// concatenation of chunks, each interpreted as a big-endian byte
// stream.
func checksum(chunks ...[]byte) uint16 {
	var sum uint32
	for _, chunk := range chunks {
		i := 0
		for i+1 < len(chunk) {
			sum += uint32(binary.BigEndian.Uint16(chunk[i : i+2]))
			i += 2
		}
		if i < len(chunk) {
			sum += uint32(chunk[i]) << 8
		}
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func tcpChecksum(srcIP, dstIP Ipv4Addr, header, payload []byte) uint16 {
	tcpLen := uint16(len(header) + len(payload))
	pseudo := make([]byte, 0, 12)
	pseudo = append(pseudo, srcIP[:]...)
	pseudo = append(pseudo, dstIP[:]...)
	pseudo = append(pseudo, 0, 6) // zero byte + TCP protocol number
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], tcpLen)
	pseudo = append(pseudo, lenBuf[:]...)
	return checksum(pseudo, header, payload)
}

func (b *PacketBuilder) writeEthHeader(etherType uint16) bool {
	buf := make([]byte, 14)
	copy(buf[0:6], b.dstMac[:])
	copy(buf[6:12], b.srcMac[:])
	binary.BigEndian.PutUint16(buf[12:14], etherType)
	return b.w.WriteBytes(buf)
}

func (b *PacketBuilder) writeArpPacket(p TxArp) bool {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint16(buf[0:2], 1)      // hw_type: Ethernet
	binary.BigEndian.PutUint16(buf[2:4], 0x0800) // proto_type: IPv4
	buf[4] = 6                                   // hw_len
	buf[5] = 4                                   // proto_len
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.Operation))
	copy(buf[8:14], p.SenderHWAddr[:])
	copy(buf[14:18], p.SenderIP[:])
	copy(buf[18:24], p.TargetHWAddr[:])
	copy(buf[24:28], p.TargetIP[:])
	return b.w.WriteBytes(buf)
}

func (b *PacketBuilder) writeIpv4Header(protocol uint8, totalLen uint16, srcIP, dstIP Ipv4Addr) bool {
	buf := make([]byte, 20)
	buf[0] = (4 << 4) | 5 // version=4, IHL=5 (20 bytes)
	buf[1] = 0            // DSCP/ECN
	binary.BigEndian.PutUint16(buf[2:4], totalLen)
	binary.BigEndian.PutUint16(buf[4:6], 0) // id
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/frag
	buf[8] = 64                             // TTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	copy(buf[12:16], srcIP[:])
	copy(buf[16:20], dstIP[:])

	sum := checksum(buf)
	binary.BigEndian.PutUint16(buf[10:12], sum)

	return b.w.WriteBytes(buf)
}

func (b *PacketBuilder) writeTcpHeader(p TxTcp) bool {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], p.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], p.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], p.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], p.AckNum)
	dataOffsetFlags := (uint16(5) << 12) | uint16(p.Flags) // data_offset=5 (20 bytes)
	binary.BigEndian.PutUint16(buf[12:14], dataOffsetFlags)
	binary.BigEndian.PutUint16(buf[14:16], p.Window)
	binary.BigEndian.PutUint16(buf[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[18:20], 0) // urgent pointer

	sum := tcpChecksum(p.SrcIP, p.DstIP, buf, p.Payload)
	binary.BigEndian.PutUint16(buf[16:18], sum)

	return b.w.WriteBytes(buf)
}
