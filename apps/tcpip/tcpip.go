// Package tcpip is the in-kernel TCP/IP service: it wraps the guest NAT
// stack (guestnet.GuestNet) behind the channel protocol, so any other
// in-kernel app can open a connection into the guest without touching
// virtqueues directly.
//
// Grounded on the original kernel's apps/servers/tcpip/tcpip.rs, which
// wraps a full smoltcp stack the same way: a map from socket handle to
// (channel sender, socket state) plus a polling routine that emits
// NewConnection/Data/Closed events as callbacks. Our embedded stack is
// guestnet's NAT rather than smoltcp, so there is no listen side (the
// NAT only models host-initiated connections into the guest, spec.md
// §4.9) — Connect is the only operation this service exposes.
package tcpip

import (
	"encoding/binary"
	"sync"

	"github.com/starina-os/starina/apps/eventloop"
	"github.com/starina-os/starina/guestnet"
	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/refcount"
	virtionet "github.com/starina-os/starina/virtio/net"
)

// Message kinds carried in MessageInfo.Kind on a client's channel.
const (
	// KindConnect's payload is a big-endian uint16 guest port: the
	// client is asking to open a connection to that port in the guest.
	KindConnect uint16 = 1
	// KindData carries opaque payload bytes in either direction once a
	// connection is established.
	KindData uint16 = 2
)

// Service is the TCP/IP service's state: the embedded NAT stack, the
// virtio-net device it rides on, and one handler per connected client.
type Service struct {
	mu  sync.Mutex
	net *guestnet.GuestNet
	dev *virtionet.Device
	mem *folio.GuestAddressSpace
}

// New creates a Service bound to net and the virtio-net device that
// carries its packets to and from the guest.
func New(net *guestnet.GuestNet, dev *virtionet.Device, mem *folio.GuestAddressSpace) *Service {
	return &Service{net: net, dev: dev, mem: mem}
}

// NewClientHandler returns the ChannelHandler a Dispatcher should
// register for a freshly connected client channel.
func (s *Service) NewClientHandler() eventloop.ChannelHandler {
	return &clientHandler{svc: s}
}

// clientHandler is one client's connection to the service: before
// Connect, it has no guestnet key; after, every Data message is
// forwarded to (or arrived from) that key's connection.
type clientHandler struct {
	svc       *Service
	key       guestnet.ConnKey
	connected bool
}

func (h *clientHandler) IsReceivable(ctx *eventloop.ChannelContext) bool { return true }

func (h *clientHandler) Data(ctx *eventloop.ChannelContext, data []byte) {
	if !h.connected {
		if len(data) < 2 {
			klog.L.Warning().Log("tcpip: connect request too short")
			return
		}
		guestPort := binary.BigEndian.Uint16(data[:2])
		chRef := ctx.ChRef
		h.key = h.svc.net.ConnectToGuest(guestPort, guestnet.IpProtoTcp, func(key guestnet.ConnKey, payload []byte) {
			sendData(chRef, payload)
		})
		h.connected = true
		h.svc.pump()
		return
	}

	h.svc.mu.Lock()
	_, err := h.svc.net.SendToGuest(nil, h.key, data)
	h.svc.mu.Unlock()
	// SendToGuest with a nil writer returns SendErrNoSendingPackets once
	// the data is merely queued; that's expected, not a failure.
	if err != nil && err != guestnet.SendErrNoSendingPackets {
		klog.L.Warning().Str("err", err.Error()).Log("tcpip: send to guest failed")
	}
	h.svc.pump()
}

func (h *clientHandler) Disconnected(ctx *eventloop.ChannelContext) {
	// The NAT has no explicit per-connection teardown exposed (spec.md
	// §9 keeps connection lifecycle driven by the TCP state machine
	// alone); a disconnected client simply stops being forwarded to.
}

func sendData(ch refcount.SharedRef[channel.Channel], data []byte) {
	info := channel.MessageInfo{Kind: KindData, DataLen: uint16(len(data))}
	if code := ch.Get().Send(nil, info, data, nil); code != errcode.OK && code != errcode.NoPeer {
		klog.L.Warning().Str("err", code.String()).Log("tcpip: failed to deliver data to client")
	}
}

// pump flushes any NAT output the last guest interaction produced
// through the virtio-net device, matching the "pending-packet pump"
// paragraph of spec.md §4.9.
func (s *Service) pump() {
	s.dev.Pump(s.mem)
}
