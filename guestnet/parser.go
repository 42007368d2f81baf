package guestnet

import "encoding/binary"

// RxEthPacket is a parsed Ethernet frame: the two MAC addresses common
// to every frame kind, plus the type-specific payload.
type RxEthPacket struct {
	DstMac MacAddr
	SrcMac MacAddr
	Packet RxPacket
}

// RxPacket is the decoded payload of an Ethernet frame, one of the
// concrete kinds below. A type switch on the concrete type recovers the
// kind, mirroring the original's RxPacket enum.
type RxPacket interface{ isRxPacket() }

type RxArp struct {
	Operation     ArpOp
	SenderHWAddr  MacAddr
	SenderIP      Ipv4Addr
	TargetHWAddr  MacAddr
	TargetIP      Ipv4Addr
}

type RxTcp struct {
	SrcIP   Ipv4Addr
	DstIP   Ipv4Addr
	SrcPort uint16
	DstPort uint16
	SeqNum  uint32
	AckNum  uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

type RxUdp struct {
	SrcIP   Ipv4Addr
	DstIP   Ipv4Addr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

type RxUnknownIpv4 struct {
	SrcIP   Ipv4Addr
	DstIP   Ipv4Addr
	IPProto uint8
	Payload []byte
}

type RxUnknownEth struct {
	EtherType uint16
	PayloadLen int
}

func (RxArp) isRxPacket()         {}
func (RxTcp) isRxPacket()         {}
func (RxUdp) isRxPacket()         {}
func (RxUnknownIpv4) isRxPacket() {}
func (RxUnknownEth) isRxPacket()  {}

// ParseError reports why Parse rejected a frame. Parse errors are
// never fatal: the caller logs and drops the frame (spec.md §7, a
// malformed guest frame is a protocol violation, not a kernel bug).
type ParseError struct{ Reason string }

func (e *ParseError) Error() string { return "invalid packet: " + e.Reason }

// Parse decodes one Ethernet frame out of r. Never panics: truncated or
// malformed input is reported as a ParseError.
func Parse(r PacketReader) (RxEthPacket, error) {
	dstMac, srcMac, etherTypeRaw, err := parseEthernetHeader(r)
	if err != nil {
		return RxEthPacket{}, err
	}

	etherType, known := etherTypeFromU16(etherTypeRaw)
	if !known {
		// Unknown ether-type: consume (and discard) up to the max
		// Ethernet payload so the reader stays aligned for any caller
		// that keeps reading past this frame.
		payload, _ := r.ReadBytes(make([]byte, 1500))
		return RxEthPacket{
			DstMac: dstMac, SrcMac: srcMac,
			Packet: RxUnknownEth{EtherType: etherTypeRaw, PayloadLen: payload},
		}, nil
	}

	switch etherType {
	case EtherTypeArp:
		arp, err := parseArpPacket(r)
		if err != nil {
			return RxEthPacket{}, err
		}
		return RxEthPacket{DstMac: dstMac, SrcMac: srcMac, Packet: arp}, nil

	case EtherTypeIpv4:
		srcIP, dstIP, ipProto, headerLen, totalLen, err := parseIpv4Header(r)
		if err != nil {
			return RxEthPacket{}, err
		}
		if int(totalLen) < int(headerLen) {
			return RxEthPacket{}, &ParseError{Reason: "IPv4 total_len shorter than header"}
		}
		remaining := int(totalLen) - int(headerLen)

		proto, known := ipProtoFromU8(ipProto)
		switch {
		case known && proto == IpProtoTcp:
			srcPort, dstPort, seq, ack, flags, window, tcpHeaderLen, err := parseTcpHeader(r)
			if err != nil {
				return RxEthPacket{}, err
			}
			payloadLen := remaining - int(tcpHeaderLen)
			var payload []byte
			if payloadLen > 0 {
				payload, err = readFullErr(r, payloadLen)
				if err != nil {
					return RxEthPacket{}, err
				}
			}
			return RxEthPacket{DstMac: dstMac, SrcMac: srcMac, Packet: RxTcp{
				SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort,
				SeqNum: seq, AckNum: ack, Flags: flags, Window: window, Payload: payload,
			}}, nil

		case known && proto == IpProtoUdp:
			srcPort, dstPort, udpLen, err := parseUdpHeader(r)
			if err != nil {
				return RxEthPacket{}, err
			}
			payloadLen := 0
			if udpLen > 8 {
				payloadLen = int(udpLen) - 8
			}
			var payload []byte
			if payloadLen > 0 {
				payload, err = readFullErr(r, payloadLen)
				if err != nil {
					return RxEthPacket{}, err
				}
			}
			return RxEthPacket{DstMac: dstMac, SrcMac: srcMac, Packet: RxUdp{
				SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort, Payload: payload,
			}}, nil

		default:
			var payload []byte
			if remaining > 0 {
				var err error
				payload, err = readFullErr(r, remaining)
				if err != nil {
					return RxEthPacket{}, err
				}
			}
			return RxEthPacket{DstMac: dstMac, SrcMac: srcMac, Packet: RxUnknownIpv4{
				SrcIP: srcIP, DstIP: dstIP, IPProto: ipProto, Payload: payload,
			}}, nil
		}
	}

	return RxEthPacket{}, &ParseError{Reason: "unreachable ether-type"}
}

func readFullErr(r PacketReader, n int) ([]byte, error) {
	buf, ok := readFull(r, n)
	if !ok {
		return nil, &ParseError{Reason: "truncated payload"}
	}
	return buf, nil
}

func parseEthernetHeader(r PacketReader) (dst, src MacAddr, etherType uint16, err error) {
	b, ok := readFull(r, 14)
	if !ok {
		return MacAddr{}, MacAddr{}, 0, &ParseError{Reason: "Ethernet header too short"}
	}
	copy(dst[:], b[0:6])
	copy(src[:], b[6:12])
	etherType = binary.BigEndian.Uint16(b[12:14])
	return dst, src, etherType, nil
}

func parseArpPacket(r PacketReader) (RxArp, error) {
	b, ok := readFull(r, 28)
	if !ok {
		return RxArp{}, &ParseError{Reason: "ARP packet too short"}
	}

	opRaw := binary.BigEndian.Uint16(b[6:8])
	op, known := arpOpFromU16(opRaw)
	if !known {
		return RxArp{}, &ParseError{Reason: "unknown ARP operation"}
	}

	var senderHW, targetHW MacAddr
	var senderIP, targetIP Ipv4Addr
	copy(senderHW[:], b[8:14])
	copy(senderIP[:], b[14:18])
	copy(targetHW[:], b[18:24])
	copy(targetIP[:], b[24:28])

	return RxArp{
		Operation: op, SenderHWAddr: senderHW, SenderIP: senderIP,
		TargetHWAddr: targetHW, TargetIP: targetIP,
	}, nil
}

func parseIpv4Header(r PacketReader) (src, dst Ipv4Addr, proto uint8, headerLen uint8, totalLen uint16, err error) {
	b, ok := readFull(r, 20)
	if !ok {
		return Ipv4Addr{}, Ipv4Addr{}, 0, 0, 0, &ParseError{Reason: "IPv4 header too short"}
	}

	ihl := b[0] & 0x0f
	headerLen = ihl * 4
	totalLen = binary.BigEndian.Uint16(b[2:4])
	proto = b[9]
	copy(src[:], b[12:16])
	copy(dst[:], b[16:20])

	if headerLen > 20 {
		// Options present: consume and discard them so the reader stays
		// aligned for the transport header that follows.
		if _, ok := readFull(r, int(headerLen)-20); !ok {
			return Ipv4Addr{}, Ipv4Addr{}, 0, 0, 0, &ParseError{Reason: "IPv4 options truncated"}
		}
	}

	return src, dst, proto, headerLen, totalLen, nil
}

func parseTcpHeader(r PacketReader) (srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, headerLen uint8, err error) {
	b, ok := readFull(r, 20)
	if !ok {
		return 0, 0, 0, 0, 0, 0, 0, &ParseError{Reason: "TCP header too short"}
	}

	srcPort = binary.BigEndian.Uint16(b[0:2])
	dstPort = binary.BigEndian.Uint16(b[2:4])
	seq = binary.BigEndian.Uint32(b[4:8])
	ack = binary.BigEndian.Uint32(b[8:12])
	dataOffsetFlags := binary.BigEndian.Uint16(b[12:14])
	headerLen = uint8(dataOffsetFlags>>12) * 4
	flags = uint8(dataOffsetFlags & 0xff)
	window = binary.BigEndian.Uint16(b[14:16])

	if headerLen > 20 {
		if _, ok := readFull(r, int(headerLen)-20); !ok {
			return 0, 0, 0, 0, 0, 0, 0, &ParseError{Reason: "TCP options truncated"}
		}
	}

	return srcPort, dstPort, seq, ack, flags, window, headerLen, nil
}

func parseUdpHeader(r PacketReader) (srcPort, dstPort, length uint16, err error) {
	b, ok := readFull(r, 8)
	if !ok {
		return 0, 0, 0, &ParseError{Reason: "UDP header too short"}
	}
	srcPort = binary.BigEndian.Uint16(b[0:2])
	dstPort = binary.BigEndian.Uint16(b[2:4])
	length = binary.BigEndian.Uint16(b[4:6])
	return srcPort, dstPort, length, nil
}
