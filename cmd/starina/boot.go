package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/starina-os/starina/apps/eventloop"
	"github.com/starina-os/starina/apps/httpserver"
	"github.com/starina-os/starina/apps/tcpip"
	"github.com/starina-os/starina/guestnet"
	"github.com/starina-os/starina/internal/klog"
	"github.com/starina-os/starina/kernel/channel"
	"github.com/starina-os/starina/kernel/errcode"
	"github.com/starina-os/starina/kernel/folio"
	"github.com/starina-os/starina/kernel/refcount"
	"github.com/starina-os/starina/kernel/sched"
	virtionet "github.com/starina-os/starina/virtio/net"
)

// runBoot wires up the host-side half of the VMM shell: guest memory,
// the virtio-net device and its NAT, the in-kernel sample services, and
// the scheduler's run loops. Physical vCPU bring-up and guest ELF
// loading are external collaborators, so this does not
// actually execute the guest image named by args.Kernel; it brings up
// everything around that boundary and logs what it would have handed
// off to one.
func runBoot(args *BootArgs) error {
	fmt.Printf("starina: booting (kernel=%s initrd=%s mem=%dMiB ncpus=%d tap=%q)\n",
		args.Kernel, args.Initrd, args.MemSize>>20, args.NCPUs, args.TapIfName)

	mem, code := folio.Alloc(args.MemSize)
	if code != errcode.OK {
		return fmt.Errorf("allocating guest memory: %s", code)
	}
	defer mem.Free()
	guestMem := folio.NewGuestAddressSpace(0, &mem)

	guestMac := guestnet.MacAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	hostMac := guestnet.MacAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}
	net := guestnet.New(guestnet.Config{
		HostIP:     guestnet.NewIpv4(192, 168, 20, 1),
		GuestIP:    guestnet.NewIpv4(192, 168, 20, 2),
		GuestMac:   guestMac,
		HostMac:    hostMac,
		GatewayIP:  guestnet.NewIpv4(192, 168, 20, 1),
		Netmask:    guestnet.NewIpv4(255, 255, 255, 0),
		DNSServers: [2]guestnet.Ipv4Addr{guestnet.NewIpv4(8, 8, 8, 8), guestnet.NewIpv4(8, 8, 4, 4)},
	})
	netDev := virtionet.New(guestMac, net)
	klog.L.Info().Str("ip", net.BuildLinuxIPParam()).Log("guest network configured")

	sched.Global = sched.NewScheduler(args.NCPUs)
	stop := make(chan struct{})
	go sched.Global.Run(stop)
	runSyscallDemoThread(sched.Global)

	tcpipSvc := tcpip.New(net, netDev, guestMem)
	httpSvc := httpserver.New(echoHandler)
	runSampleService(tcpipSvc, "tcpip")
	runSampleService(httpSvc, "httpserver")

	fmt.Println("starina: boot complete, serving until interrupted")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	fmt.Println("starina: shutting down")
	close(stop)

	return nil
}

// clientAcceptor implements eventloop.StartupHandler by registering
// every newly connected client channel against a fresh handler from svc.
type clientAcceptor struct {
	svc interface{ NewClientHandler() eventloop.ChannelHandler }
}

func (a *clientAcceptor) Connected(ctx *eventloop.StartupContext, ch refcount.SharedRef[channel.Channel]) {
	if err := ctx.Dispatcher.AddChannel(ch, a.svc.NewClientHandler()); err != nil {
		klog.L.Warning().Str("err", err.Error()).Log("starina: failed to register client channel")
	}
}

// runSampleService stands up svc's own startup channel and event loop,
// the same bootstrap a guest client would dial into over the numeric
// numeric syscall ABI. Without an actual connected guest
// nothing ever arrives on it, but the loop is live and ready to accept
// one the moment kernel/vcpu grows a real collaborator.
func runSampleService(svc interface{ NewClientHandler() eventloop.ChannelHandler }, name string) {
	startup, _ := channel.New()
	loop, err := eventloop.New(startup)
	if err != nil {
		klog.L.Warning().Str("service", name).Str("err", err.Error()).Log("starina: failed to start service event loop")
		return
	}

	go func() {
		if err := loop.Run(&clientAcceptor{svc: svc}); err != nil {
			klog.L.Warning().Str("service", name).Str("err", err.Error()).Log("starina: service event loop exited")
		}
	}()
}

func echoHandler(req *httpserver.Request, w httpserver.ResponseWriter) {
	w.WriteStatus(httpserver.StatusOK)
	w.Headers().Add("content-type", "text/plain")
	w.WriteBody([]byte("starina: " + req.Method + " " + req.Path + "\n"))
}
