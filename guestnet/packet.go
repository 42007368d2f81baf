// Package guestnet implements the host side of the synthetic guest
// network: Ethernet/ARP/IPv4/TCP/UDP parsing and building, plus the TCP
// NAT state machine that lets the host forward a listener into the
// Linux guest virtio-net carries.
//
// Grounded on original_source/linux/src/guest_net/{mod,packet_parser,
// packet_builder,tcp}.rs. All multi-byte wire fields are big-endian
// (network byte order) regardless of host endianness, per spec.md §4.9.
package guestnet

import "fmt"

// MacAddr is a 6-byte Ethernet hardware address.
type MacAddr [6]byte

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MacAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the all-zeros address ARP requests use for an unknown
// target_hw_addr.
var Zero = MacAddr{}

func (m MacAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Ipv4Addr is a 4-byte IPv4 address.
type Ipv4Addr [4]byte

// NewIpv4 builds an Ipv4Addr from its four octets.
func NewIpv4(a, b, c, d byte) Ipv4Addr { return Ipv4Addr{a, b, c, d} }

func (ip Ipv4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// EtherType is an Ethernet frame's payload-type field.
type EtherType uint16

const (
	EtherTypeIpv4 EtherType = 0x0800
	EtherTypeArp  EtherType = 0x0806
)

func etherTypeFromU16(raw uint16) (EtherType, bool) {
	switch EtherType(raw) {
	case EtherTypeIpv4, EtherTypeArp:
		return EtherType(raw), true
	default:
		return 0, false
	}
}

// ArpOp is an ARP packet's operation field.
type ArpOp uint16

const (
	ArpRequest ArpOp = 1
	ArpReply   ArpOp = 2
)

func arpOpFromU16(raw uint16) (ArpOp, bool) {
	switch ArpOp(raw) {
	case ArpRequest, ArpReply:
		return ArpOp(raw), true
	default:
		return 0, false
	}
}

// IpProto is an IPv4 header's protocol field.
type IpProto uint8

const (
	IpProtoTcp IpProto = 6
	IpProtoUdp IpProto = 17
)

func ipProtoFromU8(raw uint8) (IpProto, bool) {
	switch IpProto(raw) {
	case IpProtoTcp, IpProtoUdp:
		return IpProto(raw), true
	default:
		return 0, false
	}
}

// PacketReader is the minimal surface guestnet needs to pull bytes out
// of a transport buffer. virtio/virtqueue.DescChainReader satisfies
// this directly.
type PacketReader interface {
	// ReadBytes copies up to len(dst) bytes into dst, returning how many
	// were actually available (fewer at end of chain) and whether the
	// underlying transport is still healthy.
	ReadBytes(dst []byte) (int, bool)
}

// PacketWriter is the minimal surface guestnet needs to push bytes into
// a transport buffer. virtio/virtqueue.DescChainWriter satisfies this
// directly.
type PacketWriter interface {
	WriteBytes(src []byte) bool
	WrittenLen() int
}

func readFull(r PacketReader, n int) ([]byte, bool) {
	buf := make([]byte, n)
	got, ok := r.ReadBytes(buf)
	if !ok || got < n {
		return nil, false
	}
	return buf, true
}
