package guestnet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memWriter is a PacketWriter backed by a plain byte buffer, standing
// in for a virtqueue.DescChainWriter in tests.
type memWriter struct{ buf []byte }

func (w *memWriter) WriteBytes(src []byte) bool {
	w.buf = append(w.buf, src...)
	return true
}
func (w *memWriter) WrittenLen() int { return len(w.buf) }

// memReader is a PacketReader backed by a plain byte buffer.
type memReader struct{ buf []byte }

func (r *memReader) ReadBytes(dst []byte) (int, bool) {
	n := copy(dst, r.buf)
	r.buf = r.buf[n:]
	return n, true
}

func testConfig() Config {
	return Config{
		HostIP:     NewIpv4(10, 0, 2, 2),
		GuestIP:    NewIpv4(10, 0, 2, 15),
		GuestMac:   MacAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		HostMac:    MacAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x57},
		GatewayIP:  NewIpv4(10, 0, 2, 2),
		Netmask:    NewIpv4(255, 255, 255, 0),
		DNSServers: [2]Ipv4Addr{NewIpv4(10, 0, 2, 3), NewIpv4(10, 0, 2, 4)},
	}
}

// S6: instantiate NAT, connect_to_guest, drain SYN, feed SYN-ACK, drain
// ACK, send_to_guest, drain PSH+ACK, feed FIN-ACK, drain ACK+FIN, feed
// ACK, connection in FinWait2.
func TestTcpHandshakeScenario(t *testing.T) {
	g := New(testConfig())

	var forwarded [][]byte
	key := g.ConnectToGuest(80, IpProtoTcp, func(k ConnKey, data []byte) {
		forwarded = append(forwarded, append([]byte(nil), data...))
	})
	require.Equal(t, uint16(80), key.GuestPort)
	require.Equal(t, remoteIP, key.RemoteIP)

	// Drain the SYN.
	require.True(t, g.HasPendingPackets())
	w := &memWriter{}
	n, err := g.SendPendingPacket(w)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	syn := parseTcpFromFrame(t, w.buf)
	require.Equal(t, tcpSyn, syn.Flags)
	require.Equal(t, uint32(2), syn.SeqNum) // initial_seq(1) + 1 for the SYN

	// Feed in a SYN-ACK.
	g.RecvFromGuest(&memReader{buf: buildTcpFrame(t, testConfig(), synAckFrame{
		srcIP: NewIpv4(10, 0, 2, 15), dstIP: remoteIP,
		srcPort: 80, dstPort: key.RemotePort,
		seq: 500, ack: 2, flags: tcpSyn | tcpAck,
	})})

	state, ok := g.tcp.State(key)
	require.True(t, ok)
	require.Equal(t, Established, state)

	// Drain the resulting ACK.
	w2 := &memWriter{}
	n, err = g.SendPendingPacket(w2)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	ackPkt := parseTcpFromFrame(t, w2.buf)
	require.Equal(t, tcpAck, ackPkt.Flags)
	require.Equal(t, uint32(2), ackPkt.SeqNum)
	require.Equal(t, uint32(501), ackPkt.AckNum)

	// send_to_guest with payload.
	w3 := &memWriter{}
	n, err = g.SendToGuest(w3, key, []byte("GET /"))
	require.NoError(t, err)
	require.Greater(t, n, 0)
	pshPkt := parseTcpFromFrame(t, w3.buf)
	require.Equal(t, tcpPsh|tcpAck, pshPkt.Flags)
	require.Equal(t, uint32(2), pshPkt.SeqNum)
	require.Equal(t, uint32(501), pshPkt.AckNum)
	require.Equal(t, []byte("GET /"), pshPkt.Payload)

	// Feed FIN+ACK seq=501 ack=7 (2 + len("GET /")).
	g.RecvFromGuest(&memReader{buf: buildTcpFrame(t, testConfig(), synAckFrame{
		srcIP: NewIpv4(10, 0, 2, 15), dstIP: remoteIP,
		srcPort: 80, dstPort: key.RemotePort,
		seq: 501, ack: 7, flags: tcpFin | tcpAck,
	})})

	state, ok = g.tcp.State(key)
	require.True(t, ok)
	require.Equal(t, FinWait1, state)

	// Drain the ACK+FIN reply.
	w4 := &memWriter{}
	_, err = g.SendPendingPacket(w4)
	require.NoError(t, err)
	finAck := parseTcpFromFrame(t, w4.buf)
	require.Equal(t, tcpFin|tcpAck, finAck.Flags)

	// Feed the final ACK: the guest acking our FIN moves FinWait1 to
	// FinWait2, where the connection waits for the guest's own FIN to
	// be (re)acknowledged before fully closing.
	g.RecvFromGuest(&memReader{buf: buildTcpFrame(t, testConfig(), synAckFrame{
		srcIP: NewIpv4(10, 0, 2, 15), dstIP: remoteIP,
		srcPort: 80, dstPort: key.RemotePort,
		seq: 502, ack: 7, flags: tcpAck,
	})})

	state, ok = g.tcp.State(key)
	require.True(t, ok)
	require.Equal(t, FinWait2, state)

	require.Len(t, forwarded, 0) // GET / was sent host->guest, never forwarded back
}

type synAckFrame struct {
	srcIP, dstIP     Ipv4Addr
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
}

func buildTcpFrame(t *testing.T, cfg Config, f synAckFrame) []byte {
	t.Helper()
	w := &memWriter{}
	b := NewPacketBuilder(w, cfg.HostMac, cfg.GuestMac)
	_, ok := b.Send(TxTcp{
		SrcIP: f.srcIP, DstIP: f.dstIP, SrcPort: f.srcPort, DstPort: f.dstPort,
		SeqNum: f.seq, AckNum: f.ack, Flags: f.flags, Window: 65535,
	})
	require.True(t, ok)
	return w.buf
}

func parseTcpFromFrame(t *testing.T, frame []byte) RxTcp {
	t.Helper()
	eth, err := Parse(&memReader{buf: frame})
	require.NoError(t, err)
	tcp, ok := eth.Packet.(RxTcp)
	require.True(t, ok)
	return tcp
}

func TestArpRequestForHostIPIsAnswered(t *testing.T) {
	cfg := testConfig()
	g := New(cfg)

	w := &memWriter{}
	b := NewPacketBuilder(w, Broadcast, cfg.GuestMac)
	_, ok := b.Send(TxArp{
		Operation: ArpRequest, SenderHWAddr: cfg.GuestMac, SenderIP: cfg.GuestIP,
		TargetHWAddr: Zero, TargetIP: cfg.HostIP,
	})
	require.True(t, ok)

	g.RecvFromGuest(&memReader{buf: w.buf})
	require.True(t, g.HasPendingPackets())

	reply := &memWriter{}
	n, err := g.SendPendingPacket(reply)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	eth, err := Parse(&memReader{buf: reply.buf})
	require.NoError(t, err)
	arp, ok := eth.Packet.(RxArp)
	require.True(t, ok)
	require.Equal(t, ArpReply, arp.Operation)
	require.Equal(t, cfg.HostIP, arp.SenderIP)
}

func TestArpRequestForOtherIPIsDropped(t *testing.T) {
	cfg := testConfig()
	g := New(cfg)

	w := &memWriter{}
	b := NewPacketBuilder(w, Broadcast, cfg.GuestMac)
	_, ok := b.Send(TxArp{
		Operation: ArpRequest, SenderHWAddr: cfg.GuestMac, SenderIP: cfg.GuestIP,
		TargetHWAddr: Zero, TargetIP: NewIpv4(8, 8, 8, 8),
	})
	require.True(t, ok)

	g.RecvFromGuest(&memReader{buf: w.buf})
	require.False(t, g.HasPendingPackets())
}
