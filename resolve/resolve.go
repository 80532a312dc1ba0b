// Package resolve provides a bounded-concurrency reverse-DNS lookup
// service backed by an LRU cache, so the traffic logger never blocks its
// hot path on a live DNS round trip for every frame.
package resolve

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tapline/tapline/internal/netutil"
)

// DefaultFailureBackoffThreshold is the number of consecutive lookup
// failures (across all addresses) after which the resolver logs a
// standing warning that the upstream DNS service looks unhealthy, rather
// than silently returning Unknown forever.
const DefaultFailureBackoffThreshold = 20

// DnsError wraps a failed reverse lookup for a single address. Resolve
// never surfaces it directly (it always returns Unknown on failure), but
// it's logged so operators can distinguish "no PTR record" from a
// misbehaving resolver.
type DnsError struct {
	Addr string
	Err  error
}

func (e *DnsError) Error() string { return fmt.Sprintf("reverse lookup of %s: %v", e.Addr, e.Err) }
func (e *DnsError) Unwrap() error { return e.Err }

// Unknown is substituted for any address that fails to resolve within the
// lookup timeout. Failures are never cached, so a transient DNS outage
// self-heals on the next request for the same address.
const Unknown = "unknown"

const (
	DefaultCacheCapacity = 8192
	DefaultWorkerCount   = 4
	DefaultLookupTimeout = 500 * time.Millisecond
)

// Lookup abstracts the reverse-DNS primitive so tests can substitute a
// deterministic fake instead of touching a real resolver.
type Lookup interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
}

type netLookup struct{ r *net.Resolver }

func (n netLookup) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	return n.r.LookupAddr(ctx, addr)
}

// request pairs a lookup key with the channel its caller waits on.
type request struct {
	ip   string
	resC chan string
}

// NameResolver resolves IPv4/IPv6 addresses to a single display name,
// backed by an LRU cache and a bounded worker pool. Concurrent requests
// for the same uncached address each perform their own lookup; callers
// are expected to tolerate that since entries converge to the same cached
// value once any one of them completes.
type NameResolver struct {
	cache   *lru.Cache[string, string]
	lookup  Lookup
	timeout time.Duration
	log     *zap.Logger

	reqC chan request
	wg   sync.WaitGroup

	failures *netutil.FailCounter

	stopOnce sync.Once
	stopC    chan struct{}
}

// Config configures a NameResolver. Zero values select the package
// defaults.
type Config struct {
	CacheCapacity int
	WorkerCount   int
	LookupTimeout time.Duration
}

// New constructs and starts a NameResolver's worker pool. Stop must be
// called to release its goroutines.
func New(cfg Config, log *zap.Logger) (*NameResolver, error) {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = DefaultWorkerCount
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	cache, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, err
	}

	r := &NameResolver{
		cache:    cache,
		lookup:   netLookup{r: net.DefaultResolver},
		timeout:  timeout,
		log:      log,
		reqC:     make(chan request),
		failures: netutil.NewFailCounter(DefaultFailureBackoffThreshold),
		stopC:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r, nil
}

// withLookup overrides the DNS primitive; used by tests.
func (r *NameResolver) withLookup(l Lookup) *NameResolver {
	r.lookup = l
	return r
}

func (r *NameResolver) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopC:
			return
		case req := <-r.reqC:
			req.resC <- r.resolveUncached(req.ip)
		}
	}
}

func (r *NameResolver) resolveUncached(ip string) string {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	names, err := r.lookup.LookupAddr(ctx, ip)
	if err != nil {
		r.log.Debug("reverse dns lookup failed", zap.Error(&DnsError{Addr: ip, Err: err}))
		r.failures.Inc()
		if r.failures.Exceeded() {
			r.log.Warn("reverse dns lookups failing repeatedly, resolver may be unreachable",
				zap.Int("consecutive_failures", r.failures.Count()))
		}
		return Unknown
	}
	r.failures.Reset()
	if len(names) == 0 {
		return Unknown
	}
	return names[0]
}

// Resolve returns the cached name for ip if present, otherwise performs a
// synchronous lookup through the worker pool and caches a successful
// result. A failed lookup returns Unknown without caching.
func (r *NameResolver) Resolve(ip net.IP) string {
	name, _ := r.ResolveHit(ip)
	return name
}

// ResolveHit behaves like Resolve but also reports whether the name was
// already present in the cache, so callers can distinguish a cache hit
// from a fresh lookup for metrics purposes.
func (r *NameResolver) ResolveHit(ip net.IP) (string, bool) {
	key := ip.String()
	if name, ok := r.cache.Get(key); ok {
		return name, true
	}

	resC := make(chan string, 1)
	select {
	case r.reqC <- request{ip: key, resC: resC}:
	case <-r.stopC:
		return Unknown, false
	}

	name := <-resC
	if name != Unknown {
		r.cache.Add(key, name)
	}
	return name, false
}

// Stop halts the worker pool. Safe to call more than once.
func (r *NameResolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopC) })
	r.wg.Wait()
}
