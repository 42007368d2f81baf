// Package net implements the virtio-net device model: three
// virtqueues (receive, transmit, control) sitting behind virtio-mmio,
// wired to the guestnet synthetic NAT instead of a real host NIC.
//
// Grounded on original_source/linux/src/virtio/device.rs for the
// virtio-net device trait shape, and on gokvm's virtio/net.go for the
// Go idiom of a device struct holding queues plus a receive callback --
// generalized here from gokvm's legacy IO-port transport to the
// virtio-mmio + virtqueue packages.
package net

import (
	"sync"

	"github.com/starina-os/starina/guestnet"
	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/virtio/virtqueue"
)

const (
	queueReceive  = 0
	queueTransmit = 1
	queueControl  = 2
	numQueues     = 3

	deviceIDNet = 1

	// netHeaderLen is sizeof(virtio_net_hdr) without the trailing
	// num_buffers field (VIRTIO_NET_F_MRG_RXBUF is not negotiated):
	// flags(1) + gso_type(1) + hdr_len(2) + gso_size(2) +
	// checksum_start(2) + checksum_offset(2).
	netHeaderLen = 10
)

// Device is the virtio-net device model. It owns no host NIC: transmit
// hands payload to a GuestNet for parsing, and receive is filled from
// whatever the GuestNet has queued to deliver.
type Device struct {
	mac guestnet.MacAddr
	net *guestnet.GuestNet

	mu       sync.Mutex
	rxQueue  *virtqueue.Virtqueue
	rxChains []virtqueue.DescChain
}

// New builds a virtio-net device presenting mac to the guest and
// routing all traffic through net.
func New(mac guestnet.MacAddr, net *guestnet.GuestNet) *Device {
	return &Device{mac: mac, net: net}
}

func (d *Device) NumQueues() uint32      { return numQueues }
func (d *Device) DeviceID() uint32       { return deviceIDNet }
func (d *Device) VendorID() uint32       { return 0 }
func (d *Device) DeviceFeatures() uint64 { return 0 }

// ConfigRead serves the virtio-net config space: a 6-byte MAC followed
// by status/max_virtqueue_pairs/mtu, all zero beyond the MAC since no
// further feature is negotiated.
func (d *Device) ConfigRead(offset uint64, dst []byte) {
	var cfg [8]byte
	copy(cfg[0:6], d.mac[:])

	for i := range dst {
		o := offset + uint64(i)
		if o < uint64(len(cfg)) {
			dst[i] = cfg[o]
		} else {
			dst[i] = 0
		}
	}
}

// Process handles one descriptor chain notified on any of the three
// queues (spec.md §4.9). The control queue is accepted but unused: no
// control-queue feature is negotiated, so the guest never kicks it.
func (d *Device) Process(mem *folio.GuestAddressSpace, vq *virtqueue.Virtqueue, chain virtqueue.DescChain) {
	switch vq.Index() {
	case queueTransmit:
		d.processTransmit(mem, vq, chain)
	case queueReceive:
		d.mu.Lock()
		d.rxQueue = vq
		d.rxChains = append(d.rxChains, chain)
		d.mu.Unlock()
		d.drainReceive(mem)
	case queueControl:
		vq.PushUsed(mem, chain, 0)
	default:
		klog.L.Warning().Uint32("queue", vq.Index()).Log("virtio-net: notify on unexpected queue")
	}
}

// processTransmit reads one guest-supplied frame, strips the
// virtio-net header prefix, and hands the remaining payload to the NAT.
// Any reply the NAT now has queued (e.g. an ARP reply, or a TCP ACK) is
// immediately pumped into a previously-submitted receive buffer.
func (d *Device) processTransmit(mem *folio.GuestAddressSpace, vq *virtqueue.Virtqueue, chain virtqueue.DescChain) {
	reader, _, ok := chain.Split(vq, mem)
	if !ok {
		vq.PushUsed(mem, chain, 0)
		return
	}

	var hdr [netHeaderLen]byte
	if n, ok := reader.ReadBytes(hdr[:]); !ok || n != netHeaderLen {
		klog.L.Warning().Log("virtio-net: tx chain too short for virtio-net header")
		vq.PushUsed(mem, chain, 0)
		return
	}

	d.net.RecvFromGuest(reader)

	vq.PushUsed(mem, chain, 0)
	d.drainReceive(mem)
}

// Pump drains every packet the NAT currently has queued into
// previously-submitted receive buffers. The host side calls this after
// any operation that might produce NAT output outside of a guest
// transmit -- ConnectToGuest or SendToGuest from an in-kernel app.
func (d *Device) Pump(mem *folio.GuestAddressSpace) {
	d.drainReceive(mem)
}

// drainReceive fills as many queued receive chains as the NAT has
// packets for, pushing each filled (or, on a write failure, empty)
// chain back to the used ring.
func (d *Device) drainReceive(mem *folio.GuestAddressSpace) {
	for {
		d.mu.Lock()
		if !d.net.HasPendingPackets() || len(d.rxChains) == 0 {
			d.mu.Unlock()
			return
		}
		vq := d.rxQueue
		chain := d.rxChains[0]
		d.rxChains = d.rxChains[1:]
		d.mu.Unlock()

		_, writer, ok := chain.Split(vq, mem)
		if !ok {
			vq.PushUsed(mem, chain, 0)
			continue
		}

		var hdr [netHeaderLen]byte
		if !writer.WriteBytes(hdr[:]) {
			klog.L.Warning().Log("virtio-net: rx buffer too small for virtio-net header")
			vq.PushUsed(mem, chain, 0)
			continue
		}

		if _, err := d.net.SendPendingPacket(writer); err != nil {
			klog.L.Warning().Str("err", err.Error()).Log("virtio-net: failed to fill rx buffer")
			vq.PushUsed(mem, chain, uint32(writer.WrittenLen()))
			continue
		}

		vq.PushUsed(mem, chain, uint32(writer.WrittenLen()))
	}
}
