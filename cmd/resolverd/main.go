// Command resolverd wires a Listener, a Mesh, and a CommPoint Manager
// into a running recursive-resolver front end. The module pipeline here
// is the single-hop internal/forward demonstration module (§1
// Non-goals exclude real iterator/validator internals); a production
// deployment would swap in its own pipeline of Modules.
package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dnsmesh/resolver/internal/commpoint"
	"github.com/dnsmesh/resolver/internal/forward"
	"github.com/dnsmesh/resolver/internal/listener"
	"github.com/dnsmesh/resolver/internal/mesh"
	"github.com/dnsmesh/resolver/internal/outbound"
	"github.com/dnsmesh/resolver/internal/ratelimit"
	"github.com/dnsmesh/resolver/internal/transport"
)

func main() {
	var (
		port           = flag.Int("port", 5300, "listening port for udp and tcp")
		doIPv4         = flag.Bool("do-ip4", true, "accept queries over IPv4")
		doIPv6         = flag.Bool("do-ip6", true, "accept queries over IPv6")
		doUDP          = flag.Bool("do-udp", true, "accept queries over UDP")
		doTCP          = flag.Bool("do-tcp", true, "accept queries over TCP")
		ifAutomatic    = flag.Bool("if-automatic", false, "bind the wildcard address on every enabled family")
		interfaces     = flag.String("interfaces", "", "comma-separated literal addresses to bind (default: loopback)")
		incomingNumTCP = flag.Int("incoming-num-tcp", 10, "number of concurrent TCP connections accepted (0 disables TCP)")
		upstream       = flag.String("upstream", "8.8.8.8:53", "upstream resolver every query is forwarded to")
		rlThreshold    = flag.Int("ratelimit-threshold", 100, "max queries per second per source IP")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	upstreamAddr, err := net.ResolveUDPAddr("udp", *upstream)
	if err != nil {
		log.Error("invalid upstream address", "upstream", *upstream, "err", err)
		os.Exit(1)
	}

	udpTransport, err := transport.NewUDPTransport("udp")
	if err != nil {
		log.Error("failed to open outbound socket", "err", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(*rlThreshold, 60*time.Second, 10_000)

	fwd := &forward.Module{Upstream: upstreamAddr, Log: log}
	m := mesh.New([]mesh.Module{fwd}, mesh.WithLogger(log))
	cpMgr := commpoint.New(m, commpoint.WithLogger(log), commpoint.WithRateLimiter(limiter))
	fwd.Adapter = outbound.New(udpTransport, cpMgr.Enqueue, log)

	var ifaces []string
	if *interfaces != "" {
		ifaces = strings.Split(*interfaces, ",")
	}

	sockets, err := listener.Open(listener.Config{
		Port:           *port,
		DoIPv4:         *doIPv4,
		DoIPv6:         *doIPv6,
		DoUDP:          *doUDP,
		DoTCP:          *doTCP,
		IfAutomatic:    *ifAutomatic,
		Interfaces:     ifaces,
		IncomingNumTCP: *incomingNumTCP,
	}, log)
	if err != nil {
		log.Error("failed to open listening sockets", "err", err)
		os.Exit(1)
	}

	cpMgr.Serve(sockets)
	log.Info("resolverd listening", "port", *port, "sockets", len(sockets), "upstream", *upstream)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	_ = cpMgr.Close()
	_ = fwd.Adapter.Close()
	for _, s := range sockets {
		_ = s.Close()
	}
}
