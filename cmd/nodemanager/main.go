// Command nodemanager runs a single JAUS Node Manager process: the Node
// Connection Handler, its own S.N.1.1 component, the Service Connection
// and Event Managers, and the Configuration tree, wired together and
// brought up against the configured transport.
/*
 * Copyright (c) 2026, Jaus Mesh Project. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jausmesh/nodemgr/cmn/cos"
	"github.com/jausmesh/nodemgr/cmn/nlog"
	"github.com/jausmesh/nodemgr/commo"
	"github.com/jausmesh/nodemgr/component"
	"github.com/jausmesh/nodemgr/config"
	"github.com/jausmesh/nodemgr/node"
	"github.com/jausmesh/nodemgr/nodemgr"
	"github.com/jausmesh/nodemgr/shm"
	"github.com/jausmesh/nodemgr/stats"
	"github.com/jausmesh/nodemgr/wire"
	"github.com/jausmesh/nodemgr/xport"
)

var build string

func logFlush() {
	for {
		time.Sleep(time.Minute)
		nlog.Flush()
	}
}

func installSignalHandler(stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		stop()
		os.Exit(0)
	}()
}

func printVer() {
	fmt.Printf("nodemanager version %s\n", build)
}

func main() {
	if len(os.Args) == 2 && os.Args[1] == "version" {
		printVer()
		os.Exit(0)
	}

	flags := config.RegisterFlags(flag.CommandLine)
	nlog.InitFlags(flag.CommandLine)
	logDir := flag.String("logdir", "", "log output directory (empty: log to stderr)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty: disabled)")
	flag.Parse()

	cfg := config.MustLoad(flags)

	self := wire.NodeManagerOf(cfg.SubsystemID, cfg.NodeID)
	dir := *logDir
	if !cfg.LogData {
		// spec.md §6 "logdata": false means don't open a log file at all,
		// regardless of -logdir; every line still reaches stderr.
		dir = ""
	}
	nlog.SetLogDirRole(dir, self.NodeString()+"_node")
	nlog.SetTitle(fmt.Sprintf("nodemanager %s starting, self=%s", build, self))
	go logFlush()

	if *metricsAddr != "" {
		srv := stats.NewAdminServer(*metricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				nlog.Errorf("metrics server on %s exited: %v", *metricsAddr, err)
			}
		}()
	}

	registry, err := shm.OpenRegistry(self.NodeString() + "_registry")
	if err != nil {
		cos.ExitLogf("failed to open address registry: %v", err)
	}

	inbox, err := shm.OpenInbox(self.String()+"_Inbox", cfg.MBSize)
	if err != nil {
		cos.ExitLogf("failed to open self inbox: %v", err)
	}
	if err := registry.Claim(self, inbox); err != nil {
		cos.ExitLogf("address %s already claimed: %v", self, err)
	}

	outbox, err := component.NewOutbox(self.String()+"_Outbox", cfg.MBSize)
	if err != nil {
		cos.ExitLogf("failed to open self outbox: %v", err)
	}

	// rtr is referenced by the transports' receive callbacks before it
	// exists; each transport starts its read loop inside its constructor,
	// so the callbacks wait on rtrReady, which is closed once New has
	// returned below.
	var rtr *node.Node
	rtrReady := make(chan struct{})
	onArrival := func(s *wire.Stream, h wire.Header, k xport.Kind, err error) {
		<-rtrReady
		rtr.OnTransportArrival(s, h, k, err)
	}
	transports, communicator, tcp := bringUpTransports(cfg, self, onArrival)

	rtr = node.New(node.Config{
		Self:               self,
		SubsystemDiscovery: cfg.SubsystemDiscovery,
	}, registry, transports, communicator, cfg.AddressConflictWindow)
	close(rtrReady)

	comp := component.New(self, inbox, outbox)
	comp.Start()
	rtr.RegisterComponent(self, inbox)

	bringUpStaticConnections(cfg, rtr, tcp, onArrival)

	tree, err := config.NewTree()
	if err != nil {
		cos.ExitLogf("failed to open configuration tree: %v", err)
	}

	mgr := nodemgr.New(cfg, rtr, comp, tree)
	mgr.Start()

	nlog.Infof("nodemanager ready: self=%s transport=%s multicast=%s", self, cfg.Transport, cfg.Multicast)

	installSignalHandler(func() {
		mgr.Stop()
		comp.Stop()
		registry.Release(self)
		tree.Close()
		nlog.Flush(true)
	})

	select {}
}

// bringUpTransports opens the configured default transport (spec.md §6:
// "Transport selects the default wire transport a node brings up at
// Initialize") plus a cross-subsystem communicator over the same
// multicast group, per spec.md §4.K; in the tcp case the communicator is
// returned with no data link registered. The returned *xport.TCP is non-nil
// only when cfg.Transport is tcp, so bringUpStaticConnections can bind
// node_connections peers of kind "tcp" onto the same listener instead of
// opening a second one.
func bringUpTransports(cfg *config.Config, self wire.Address, onArrival xport.ReceiveFunc) ([]xport.Transport, node.Communicator, *xport.TCP) {
	comm := commo.New(onArrival)

	switch cfg.Transport {
	case config.TransportTCP:
		t, err := xport.NewTCP(fmt.Sprintf(":%d", wirePort(self)), onArrival)
		if err != nil {
			cos.ExitLogf("failed to bring up tcp transport: %v", err)
		}
		return []xport.Transport{t}, comm, t
	default:
		mc, err := xport.NewUDPMulticast(cfg.NetInterface, cfg.Multicast, wirePort(self), cfg.TTL, onArrival)
		if err != nil {
			cos.ExitLogf("failed to bring up udp multicast transport: %v", err)
		}
		link, err := commo.DialUDPLink(cfg.NetInterface, cfg.Multicast, wirePort(self), cfg.TTL)
		if err != nil {
			cos.ExitLogf("failed to bring up cross-subsystem data link: %v", err)
		}
		comm.Register(cfg.SubsystemID, link)
		return []xport.Transport{mc}, comm, nil
	}
}

// nodeConnBaud maps a NodeConnection's configured baud rate to the
// xport.BaudRate constant, defaulting to 115200 when unset or unknown.
func nodeConnBaud(rate int) xport.BaudRate {
	switch rate {
	case 9600:
		return xport.Baud9600
	case 19200:
		return xport.Baud19200
	case 38400:
		return xport.Baud38400
	case 57600:
		return xport.Baud57600
	default:
		return xport.Baud115200
	}
}

// bringUpStaticConnections opens every configured node_connections entry
// (spec.md §6: "Static, non-evictable peer connections") and registers it
// with rtr via OpenNodeConnection(dynamic=false), so the discovery sweep
// (node/discovery.go sweepNodes) never evicts it regardless of staleness.
// Each entry is independent I/O (a socket bind/dial or a serial device
// open), so they're brought up concurrently; one entry failing to open
// doesn't block the others or the node from starting, matching this
// module's general policy of logging and continuing rather than treating
// a single peer's unavailability as fatal (spec.md §7 propagation policy).
func bringUpStaticConnections(cfg *config.Config, rtr *node.Node, sharedTCP *xport.TCP, onArrival xport.ReceiveFunc) {
	if len(cfg.NodeConnections) == 0 {
		return
	}

	var eg errgroup.Group
	for _, nc := range cfg.NodeConnections {
		nc := nc
		eg.Go(func() error {
			addr := wire.NodeManagerOf(nc.Subsystem, nc.Node)
			kind := nc.Kind
			if kind == "" {
				kind = string(cfg.Transport)
			}

			switch kind {
			case "serial":
				t, err := xport.NewSerial(nc.Host, nodeConnBaud(nc.SerialBaud), onArrival)
				if err != nil {
					nlog.Warningf("node_connections: serial %s for %s: %v", nc.Host, addr, err)
					return nil
				}
				rtr.OpenNodeConnection(addr, xport.KindSerial, t, nc.Host, false)
			case "tcp":
				if sharedTCP == nil {
					nlog.Warningf("node_connections: %s requests tcp but node transport is %s", addr, cfg.Transport)
					return nil
				}
				rtr.OpenNodeConnection(addr, xport.KindTCP, xport.NewBoundTCP(sharedTCP, nc.Host), nc.Host, false)
			default:
				t, err := xport.NewUDPUnicast(":0", nc.Host, onArrival)
				if err != nil {
					nlog.Warningf("node_connections: udp %s for %s: %v", nc.Host, addr, err)
					return nil
				}
				rtr.OpenNodeConnection(addr, xport.KindUDPUnicast, t, nc.Host, false)
			}
			return nil
		})
	}
	_ = eg.Wait() // every branch above already logs and returns nil; nothing to propagate
}

// wirePort derives a fixed UDP/TCP port from the subsystem ID so multiple
// subsystems on one host don't collide; node managers within a subsystem
// share the multicast group instead of per-node ports.
func wirePort(self wire.Address) int {
	return 17000 + int(self.Subsystem)
}
