// Package discovery resolves the solver fleet's gRPC targets via DNS SRV
// records (SPEC_FULL.md §B.6). The teacher pack only carries a DNS
// *server* stub (ops/seeds/tools/dnsstub) for serving seed TXT records;
// this is the client-side counterpart, built on the same
// github.com/miekg/dns primitives for issuing and parsing SRV queries.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// Target is a single resolved solver endpoint.
type Target struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Addr renders the target as a host:port dial string.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// Resolver looks up SRV records for the solver service name against a
// configured DNS server, falling back to the system resolver when no
// server is configured.
type Resolver struct {
	Server  string // "host:port"; empty uses the OS default resolver
	Timeout time.Duration
	rand    *rand.Rand
}

// NewResolver builds a Resolver. An empty server defers to net.DefaultResolver.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{Server: server, Timeout: timeout, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ErrNoTargets is returned when a SRV lookup succeeds but yields no records.
var ErrNoTargets = errors.New("discovery: no targets found")

// Resolve looks up SRV records for name (e.g. "_grpc._tcp.solver.internal")
// and returns the resolved targets ordered by SRV priority, lowest first.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]Target, error) {
	if r.Server == "" {
		return r.resolveSystem(ctx, name)
	}
	return r.resolveViaServer(ctx, name)
}

// Pick resolves name and selects one target using SRV priority/weight
// selection (lowest priority tier, weighted-random within the tier).
func (r *Resolver) Pick(ctx context.Context, name string) (Target, error) {
	targets, err := r.Resolve(ctx, name)
	if err != nil {
		return Target{}, err
	}
	return r.pickWeighted(targets), nil
}

func (r *Resolver) resolveSystem(ctx context.Context, name string) ([]Target, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil, fmt.Errorf("discovery: lookup SRV %s: %w", name, err)
	}
	targets := make([]Target, 0, len(addrs))
	for _, a := range addrs {
		targets = append(targets, Target{
			Host:     trimTrailingDot(a.Target),
			Port:     a.Port,
			Priority: a.Priority,
			Weight:   a.Weight,
		})
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	sortByPriority(targets)
	return targets, nil
}

func (r *Resolver) resolveViaServer(ctx context.Context, name string) ([]Target, error) {
	client := &dns.Client{Timeout: r.Timeout}
	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)

	in, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("discovery: exchange SRV %s via %s: %w", name, r.Server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("discovery: SRV lookup %s returned rcode %d", name, in.Rcode)
	}

	targets := make([]Target, 0, len(in.Answer))
	for _, rr := range in.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		targets = append(targets, Target{
			Host:     trimTrailingDot(srv.Target),
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	sortByPriority(targets)
	return targets, nil
}

func (r *Resolver) pickWeighted(targets []Target) Target {
	if len(targets) == 0 {
		return Target{}
	}
	lowest := targets[0].Priority
	var tier []Target
	for _, t := range targets {
		if t.Priority == lowest {
			tier = append(tier, t)
		}
	}
	totalWeight := 0
	for _, t := range tier {
		totalWeight += int(t.Weight)
	}
	if totalWeight == 0 {
		return tier[r.rand.Intn(len(tier))]
	}
	pick := r.rand.Intn(totalWeight)
	cumulative := 0
	for _, t := range tier {
		cumulative += int(t.Weight)
		if pick < cumulative {
			return t
		}
	}
	return tier[len(tier)-1]
}

func sortByPriority(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Priority < targets[j].Priority
	})
}

func trimTrailingDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
