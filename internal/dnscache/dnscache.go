// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnscache resolves remote addresses to domains asynchronously.
// Lookups never block a polling cycle: a miss schedules a PTR query on
// a small worker pool and the answer lands in the cache for a later
// cycle. Sniffed DNS answers and TLS SNI names enter through PutHint
// and take precedence over PTR data.
package dnscache

import (
	"container/list"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"grimm.is/rano/internal/clock"
	"grimm.is/rano/internal/config"
	"grimm.is/rano/internal/logging"
)

// Source ranks where a domain came from. Higher wins on conflict.
type Source int

const (
	SourcePTR Source = iota
	SourceDNS        // sniffed DNS answer
	SourceSNI        // TLS ClientHello server name
)

func (s Source) String() string {
	switch s {
	case SourcePTR:
		return "ptr"
	case SourceDNS:
		return "dns"
	case SourceSNI:
		return "sni"
	}
	return "unknown"
}

// TTLs per source. PTR data is stable; sniffed answers follow the
// shorter windows the capture path uses.
const (
	ptrPositiveTTL = time.Hour
	ptrNegativeTTL = 5 * time.Minute
	hintDNSTTL     = 5 * time.Minute
	hintSNITTL     = 10 * time.Minute
)

const (
	defaultCapacity = 4096
	defaultWorkers  = 3
	queryTimeout    = 2 * time.Second
)

type entry struct {
	addr     netip.Addr
	domain   string
	negative bool
	source   Source
	expires  time.Time
	elem     *list.Element
}

// Config configures a Resolver.
type Config struct {
	// Mode is config.DomainModePTR or config.DomainModeOff. Off
	// disables scheduling and makes every Lookup a miss, hints included.
	Mode string
	// Servers are "host:port" resolvers tried in order. Empty means
	// read /etc/resolv.conf, falling back to 127.0.0.1:53.
	Servers  []string
	Workers  int
	Capacity int
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Resolver is the shared IP-to-domain cache.
type Resolver struct {
	mode     string
	servers  []string
	capacity int
	workers  int
	clk      clock.Clock
	log      *logging.Logger

	// exchange is swapped out in tests.
	exchange func(m *dns.Msg, server string) (*dns.Msg, error)

	mu      sync.Mutex
	entries map[netip.Addr]*entry
	lru     *list.List // front = most recent
	pending map[netip.Addr]struct{}

	queue chan netip.Addr
	wg    sync.WaitGroup
	stop  chan struct{}

	lookups  atomic.Int64
	negative atomic.Int64
}

// New builds a resolver; call Start to launch the workers.
func New(cfg Config) *Resolver {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = systemResolvers()
	}
	r := &Resolver{
		mode:     cfg.Mode,
		servers:  servers,
		capacity: cfg.Capacity,
		clk:      cfg.Clock,
		log:      log.WithComponent("dns"),
		entries:  make(map[netip.Addr]*entry),
		lru:      list.New(),
		pending:  make(map[netip.Addr]struct{}),
		queue:    make(chan netip.Addr, cfg.Capacity),
		stop:     make(chan struct{}),
	}
	r.exchange = func(m *dns.Msg, server string) (*dns.Msg, error) {
		c := new(dns.Client)
		c.Timeout = queryTimeout
		resp, _, err := c.Exchange(m, server)
		return resp, err
	}
	r.workers = cfg.Workers
	return r
}

// Start launches the query workers.
func (r *Resolver) Start() {
	r.wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker()
	}
}

// systemResolvers reads /etc/resolv.conf in miekg's way.
func systemResolvers() []string {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out
}

// Close drains the workers. Queued queries are abandoned.
func (r *Resolver) Close() {
	close(r.stop)
	r.wg.Wait()
}

// Lookup returns the cached domain for addr without blocking. A miss
// under mode=ptr schedules an asynchronous PTR query; negative entries
// stay misses until their TTL lapses.
func (r *Resolver) Lookup(addr netip.Addr) (string, bool) {
	if r.mode == config.DomainModeOff {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[addr]; ok {
		if r.clk.Now().Before(e.expires) {
			r.lru.MoveToFront(e.elem)
			if e.negative {
				return "", false
			}
			return e.domain, true
		}
		r.evict(e)
	}
	r.schedule(addr)
	return "", false
}

// PutHint installs a sniffed domain. Hints override PTR data and
// same-or-lower priority hints, never a fresher higher-priority one.
func (r *Resolver) PutHint(addr netip.Addr, domain string, src Source) {
	if domain == "" || src == SourcePTR {
		return
	}
	ttl := hintDNSTTL
	if src == SourceSNI {
		ttl = hintSNITTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[addr]; ok {
		if !e.negative && e.source > src && r.clk.Now().Before(e.expires) {
			return
		}
		r.evict(e)
	}
	r.insert(&entry{addr: addr, domain: domain, source: src, expires: r.clk.Now().Add(ttl)})
}

// Counters reports lifetime lookup and negative-answer totals.
func (r *Resolver) Counters() (lookups, negative int64) {
	return r.lookups.Load(), r.negative.Load()
}

// Len returns the live entry count.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// schedule enqueues a PTR query unless one is already pending. Called
// with mu held.
func (r *Resolver) schedule(addr netip.Addr) {
	if _, ok := r.pending[addr]; ok {
		return
	}
	select {
	case r.queue <- addr:
		r.pending[addr] = struct{}{}
	default:
		// queue full; the next cycle retries
	}
}

// insert adds an entry and evicts the LRU tail past capacity. Called
// with mu held.
func (r *Resolver) insert(e *entry) {
	e.elem = r.lru.PushFront(e)
	r.entries[e.addr] = e
	for r.lru.Len() > r.capacity {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.evict(oldest.Value.(*entry))
	}
}

// evict removes an entry. Called with mu held.
func (r *Resolver) evict(e *entry) {
	r.lru.Remove(e.elem)
	delete(r.entries, e.addr)
}

func (r *Resolver) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case addr := <-r.queue:
			r.resolve(addr)
		}
	}
}

func (r *Resolver) resolve(addr netip.Addr) {
	defer func() {
		r.mu.Lock()
		delete(r.pending, addr)
		r.mu.Unlock()
	}()

	r.lookups.Add(1)
	domain := r.queryPTR(addr)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[addr]; ok {
		if e.source > SourcePTR && r.clk.Now().Before(e.expires) {
			return // a hint arrived while we were querying
		}
		r.evict(e)
	}
	if domain == "" {
		r.negative.Add(1)
		r.insert(&entry{addr: addr, negative: true, source: SourcePTR, expires: r.clk.Now().Add(ptrNegativeTTL)})
		return
	}
	r.insert(&entry{addr: addr, domain: domain, source: SourcePTR, expires: r.clk.Now().Add(ptrPositiveTTL)})
}

// queryPTR asks each resolver in turn; first usable answer wins.
func (r *Resolver) queryPTR(addr netip.Addr) string {
	arpa, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return ""
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	for _, server := range r.servers {
		resp, err := r.exchange(m, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return trimDot(ptr.Ptr)
			}
		}
		return "" // authoritative empty answer: negative
	}
	return ""
}

func trimDot(name string) string {
	if n := len(name); n > 0 && name[n-1] == '.' {
		return name[:n-1]
	}
	return name
}
