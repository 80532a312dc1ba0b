// Package arpengine implements ARP request/reply correlation: matching
// replies to in-flight queries (ArpQueryExecutor) and driving a periodic
// poisoning cadence (ArpSpoofDriver).
package arpengine

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tapline/tapline/arpwire"
	"github.com/tapline/tapline/datalink"
	"github.com/tapline/tapline/internal/netutil"
)

// DefaultQueryDeadline is the default time budget for Query/QueryMultiple.
const DefaultQueryDeadline = 1000 * time.Millisecond

// ErrDeadlineElapsed marks an ARP query whose deadline elapsed before every
// requested address answered. QueryStrict itself reports this as ok=false;
// callers such as Pipeline.DiscoverPeer and ResolveEndpoint wrap this error
// with context when they see it.
var ErrDeadlineElapsed = errors.New("arp query deadline elapsed")

// ArpQueryExecutor issues ARP requests for one or more IPv4 addresses and
// correlates ARP replies observed on a CaptureHub within a deadline.
type ArpQueryExecutor struct {
	local    arpwire.NetworkLocation
	hub      *datalink.CaptureHub
	sender   *datalink.FrameSender
	deadline time.Duration
	log      *zap.Logger
	active   *activeQueries
}

// NewArpQueryExecutor constructs an executor. local is the interface's own
// (ipv4, mac), used as the ARP sender address on every request emitted.
// deadline <= 0 selects DefaultQueryDeadline.
func NewArpQueryExecutor(local arpwire.NetworkLocation, hub *datalink.CaptureHub, sender *datalink.FrameSender, deadline time.Duration, log *zap.Logger) *ArpQueryExecutor {
	if deadline <= 0 {
		deadline = DefaultQueryDeadline
	}
	return &ArpQueryExecutor{local: local, hub: hub, sender: sender, deadline: deadline, log: log, active: newActiveQueries()}
}

// Query resolves a single address, returning the broadcast sentinel
// ff:ff:ff:ff:ff:ff when the deadline elapses before a reply arrives.
func (e *ArpQueryExecutor) Query(ctx context.Context, ip net.IP) net.HardwareAddr {
	mac, ok := e.QueryStrict(ctx, ip)
	if !ok {
		return arpwire.Broadcast
	}
	return mac
}

// QueryStrict resolves a single address, reporting ok=false (rather than a
// sentinel value) when the deadline elapses unanswered. Callers that need
// to distinguish "no reply" from a real broadcast MAC should use this
// instead of Query.
//
// Concurrent QueryStrict calls for the same address are deduplicated: if a
// resolution for ip is already in flight, the second caller gets ok=false
// immediately rather than issuing a redundant ARP request.
func (e *ArpQueryExecutor) QueryStrict(ctx context.Context, ip net.IP) (net.HardwareAddr, bool) {
	key := ip.To4().String()
	if !e.active.tryStart(key) {
		return nil, false
	}
	defer e.active.finish(key)

	result := e.QueryMultiple(ctx, []net.IP{ip})
	mac, ok := result[ip.String()]
	return mac, ok
}

// QueryMultiple issues one ARP request per address in S, then listens
// until every address has answered or the deadline elapses, whichever
// comes first. The returned map contains only addresses that answered in
// time (partial results are expected, not an error).
func (e *ArpQueryExecutor) QueryMultiple(ctx context.Context, ips []net.IP) map[string]net.HardwareAddr {
	want := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		want[ip.To4().String()] = struct{}{}
	}
	result := make(map[string]net.HardwareAddr, len(want))
	if len(want) == 0 {
		return result
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	// Subscribe before sending so fast replies aren't missed.
	consumer := e.hub.Subscribe()
	defer consumer.Unsubscribe()

	for ip := range want {
		target := arpwire.NetworkLocation{IPv4: net.ParseIP(ip).To4(), MAC: arpwire.Broadcast}
		frame, err := arpwire.BuildRequest(e.local, target)
		if err != nil {
			e.log.Error("failed to build arp request", zap.String("ip", ip), zap.Error(err))
			continue
		}
		if err := e.sender.Send(frame); err != nil {
			e.log.Error("failed to send arp request", zap.String("ip", ip), zap.Error(err))
		}
	}

	for len(result) < len(want) {
		select {
		case <-deadlineCtx.Done():
			return result
		case f, ok := <-consumer.Frames():
			if !ok {
				return result
			}
			et, err := arpwire.Ethertype(f.Data)
			if err != nil || et != uint16(0x0806) {
				continue
			}
			msg, err := arpwire.DecodeArp(f.Data)
			if err != nil {
				continue
			}
			if msg.Operation != arpwire.OpReply {
				continue
			}
			senIP := msg.Sender.IPv4.To4().String()
			if _, wanted := want[senIP]; !wanted {
				continue
			}
			if _, already := result[senIP]; already {
				continue
			}
			result[senIP] = msg.Sender.MAC
		}
	}
	return result
}

// activeQueries tracks in-flight single-address resolutions so QueryStrict
// can avoid issuing a duplicate query for an address that is already being
// resolved.
type activeQueries struct {
	m *netutil.LockMap[struct{}]
}

func newActiveQueries() *activeQueries {
	return &activeQueries{m: netutil.NewLockMap[struct{}](nil)}
}

func (a *activeQueries) tryStart(ip string) bool {
	return a.m.TrySet(ip, &struct{}{})
}

func (a *activeQueries) finish(ip string) {
	a.m.Delete(ip)
}
