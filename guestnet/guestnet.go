package guestnet

import "github.com/starina-os/starina/internal/klog"

// remoteIP is the single synthetic address every host-initiated NAT
// connection appears to originate from (spec.md §4.9, §9 — an
// intentional simplification the original shares; no per-connection
// remote address is invented here).
var remoteIP = NewIpv4(10, 123, 123, 123)

// firstEphemeralPort is where connectToGuest starts allocating remote
// ports from.
const firstEphemeralPort = 40000

// GuestNet is the host-side synthetic network stack fed by virtio-net:
// ARP replies for the host's own IP, and a TCP NAT that lets a host
// listener forward connections into the guest.
type GuestNet struct {
	hostIP     Ipv4Addr
	guestIP    Ipv4Addr
	guestMac   MacAddr
	hostMac    MacAddr
	gwIP       Ipv4Addr
	netmask    Ipv4Addr
	dnsServers [2]Ipv4Addr

	tcp             *TcpManager
	pendingArpReply bool
	nextHostPort    uint16
}

// Config names the addresses a GuestNet presents to the guest.
type Config struct {
	HostIP     Ipv4Addr
	GuestIP    Ipv4Addr
	GuestMac   MacAddr
	HostMac    MacAddr
	GatewayIP  Ipv4Addr
	Netmask    Ipv4Addr
	DNSServers [2]Ipv4Addr
}

// New builds a GuestNet from cfg.
func New(cfg Config) *GuestNet {
	return &GuestNet{
		hostIP: cfg.HostIP, guestIP: cfg.GuestIP, guestMac: cfg.GuestMac, hostMac: cfg.HostMac,
		gwIP: cfg.GatewayIP, netmask: cfg.Netmask, dnsServers: cfg.DNSServers,
		tcp:          newTcpManager(cfg.GuestIP, cfg.GuestMac, cfg.HostMac),
		nextHostPort: firstEphemeralPort,
	}
}

// BuildLinuxIPParam renders the addresses as a Linux "ip=" kernel
// command-line parameter (spec.md §6).
func (g *GuestNet) BuildLinuxIPParam() string {
	return g.guestIP.String() + "::" + g.gwIP.String() + ":" + g.netmask.String() +
		"::eth0:off:" + g.dnsServers[0].String() + ":" + g.dnsServers[1].String()
}

// ConnectToGuest initiates a TCP connection into the guest: picks a
// free synthetic remote port, registers the connection in SynSent with
// a pending SYN, and returns the ConnKey a later SendToGuest call will
// reference.
func (g *GuestNet) ConnectToGuest(guestPort uint16, proto IpProto, forwarder Forwarder) ConnKey {
	var key ConnKey
	for {
		port := g.nextHostPort
		g.nextHostPort++
		key = ConnKey{Proto: proto, RemoteIP: remoteIP, RemotePort: port, GuestPort: guestPort}
		if !g.tcp.hasConnection(key) {
			break
		}
	}
	g.tcp.connectToGuest(key, forwarder)
	return key
}

// SendToGuest writes data to key's connection (see TcpManager.sendToGuest).
func (g *GuestNet) SendToGuest(w PacketWriter, key ConnKey, data []byte) (int, error) {
	return g.tcp.sendToGuest(w, key, data)
}

// HasPendingPackets reports whether a call to SendPendingPacket would
// currently produce a frame.
func (g *GuestNet) HasPendingPackets() bool {
	return g.pendingArpReply || g.tcp.hasPendingPackets()
}

// SendPendingPacket drains one queued ARP reply or TCP packet into w.
func (g *GuestNet) SendPendingPacket(w PacketWriter) (int, error) {
	if g.pendingArpReply {
		builder := NewPacketBuilder(w, g.guestMac, g.hostMac)
		n, ok := builder.Send(TxArp{
			Operation: ArpReply, SenderHWAddr: g.hostMac, SenderIP: g.hostIP,
			TargetHWAddr: g.guestMac, TargetIP: g.guestIP,
		})
		if !ok {
			return 0, SendErrNoSendingPackets
		}
		g.pendingArpReply = false
		return n, nil
	}

	if g.tcp.hasPendingPackets() {
		return g.tcp.sendPendingPacket(w)
	}

	return 0, SendErrNoSendingPackets
}

// RecvFromGuest parses one frame out of r and feeds it through MAC
// verification, ARP handling, and the TCP state machine. A malformed
// or untrusted frame is logged and dropped, never propagated as a
// fatal error (spec.md §7).
func (g *GuestNet) RecvFromGuest(r PacketReader) {
	eth, err := Parse(r)
	if err != nil {
		klog.L.Warning().Str("err", err.Error()).Log("guestnet: failed to parse packet")
		return
	}

	if !g.verifyMacAddresses(eth) {
		return
	}

	switch p := eth.Packet.(type) {
	case RxArp:
		g.handleArpPacket(p, eth)
	case RxTcp:
		g.tcp.handleTcpPacket(p)
	case RxUdp:
		klog.L.Debug().Log("guestnet: dropping UDP datagram (stateless passthrough not wired)")
	case RxUnknownIpv4:
		klog.L.Debug().Log("guestnet: unknown IPv4 protocol, dropping")
	case RxUnknownEth:
		klog.L.Debug().Log("guestnet: unknown ethertype, dropping")
	}
}

func (g *GuestNet) verifyMacAddresses(eth RxEthPacket) bool {
	if eth.SrcMac != g.guestMac {
		klog.L.Warning().Str("src_mac", eth.SrcMac.String()).Log("guestnet: frame with invalid src_mac, dropping")
		return false
	}

	arp, isArp := eth.Packet.(RxArp)
	isArpBroadcast := isArp && arp.Operation == ArpRequest

	if !isArpBroadcast && eth.DstMac != g.hostMac {
		klog.L.Warning().Str("dst_mac", eth.DstMac.String()).Log("guestnet: frame with invalid dst_mac, dropping")
		return false
	}
	if isArpBroadcast && eth.DstMac != Broadcast && eth.DstMac != g.hostMac {
		klog.L.Warning().Str("dst_mac", eth.DstMac.String()).Log("guestnet: ARP frame with unexpected dst_mac, dropping")
		return false
	}

	return true
}

func (g *GuestNet) handleArpPacket(arp RxArp, eth RxEthPacket) {
	if arp.Operation != ArpRequest {
		klog.L.Debug().Log("guestnet: ARP reply received, not expected, ignoring")
		return
	}

	if arp.TargetIP != g.hostIP || arp.SenderIP != g.guestIP {
		klog.L.Warning().Str("target_ip", arp.TargetIP.String()).Log("guestnet: ARP request for unexpected address, dropping")
		return
	}

	g.pendingArpReply = true
}
