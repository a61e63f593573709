// Command gateway runs the zero-trust gateway daemon: it connects to the
// control plane over a persistent signaling channel, drives the sans-IO
// gateway state machine from a single-threaded I/O driver, and shuttles
// packets between the encrypted transport and a local TUN device.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/edgestitch/gateway/internal/core"
	"github.com/edgestitch/gateway/internal/dnsserver"
	"github.com/edgestitch/gateway/internal/driver"
	"github.com/edgestitch/gateway/internal/eventloop"
	"github.com/edgestitch/gateway/internal/gatewaystate"
	"github.com/edgestitch/gateway/internal/resolver"
	"github.com/edgestitch/gateway/internal/signaling"
)

// Build info — injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		core.Log.Fatalf("Core", "fatal: %v", err)
	}
}

// staticNameservers hands the driver a fixed nameserver list read once at
// startup. A future platform-integrated build could instead watch
// resolv.conf or the tunnel's assigned DNS servers and publish changes
// through the same interface.
type staticNameservers struct{ servers []string }

func (s staticNameservers) Nameservers() []string { return s.servers }

func run(configPath string) error {
	bus := core.NewEventBus()

	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	core.ReplaceLogger(core.NewLogger(cfg.Log))
	core.Log.Infof("Core", "gateway %s starting, config=%s", version, configPath)

	counters := &core.Counters{}

	proxyV4, proxyV6 := cfg.ProxyRanges()
	gw := gatewaystate.New(gatewaystate.Config{
		ProxyV4:  proxyV4,
		ProxyV6:  proxyV6,
		Counters: counters,
	})

	res := resolver.New(cfg.Nameservers)

	dns := dnsserver.New()

	drv := driver.New(driver.Config{
		Resolver:         res,
		NameserverSource: staticNameservers{servers: cfg.Nameservers},
		Counters:         counters,
		// Darwin's TUN implementation can't sustain the same batch
		// depth as the Linux multi-queue path.
		Constrained: runtime.GOOS == "darwin",
	})
	drv.BindDNS(dns)
	defer drv.Close()

	bindV4, err := parseOptionalAddrPort(cfg.BindAddrV4)
	if err != nil {
		return fmt.Errorf("bind_addr_v4: %w", err)
	}
	bindV6, err := parseOptionalAddrPort(cfg.BindAddrV6)
	if err != nil {
		return fmt.Errorf("bind_addr_v6: %w", err)
	}
	if err := drv.BindUDP(bindV4, bindV6); err != nil {
		return fmt.Errorf("bind udp: %w", err)
	}

	localDNSPort := cfg.LocalDNSPort
	if localDNSPort == 0 {
		localDNSPort = core.LocalDNSPort
	}
	tunMTU := cfg.TunMTU
	if tunMTU == 0 {
		tunMTU = core.DefaultTunMTU
	}

	sig := signaling.NewClient(cfg.SignalingURL, cfg.SignalingToken)
	defer sig.Close()

	el := eventloop.New(eventloop.Config{
		GatewayState: gw,
		Driver:       drv,
		Signaling:    sig,
		DNSServer:    dns,
		LocalDNSPort: localDNSPort,
		TunName:      cfg.TunInterface,
		TunMTU:       tunMTU,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sig.Run(ctx)

	core.Log.Infof("Core", "connecting to %s", cfg.SignalingURL)
	err = el.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("event loop: %w", err)
	}
	core.Log.Infof("Core", "shutting down")
	return nil
}

// parseOptionalAddrPort parses s, returning the zero AddrPort (meaning
// "don't bind this family") for an empty string.
func parseOptionalAddrPort(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(s)
}
