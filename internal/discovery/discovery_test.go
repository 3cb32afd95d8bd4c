package discovery_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/internal/discovery"
)

// startStubSRVServer answers every SRV query with two fixed records so the
// resolveViaServer path can be exercised without a real DNS zone.
func startStubSRVServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		msg := &dns.Msg{}
		msg.SetReply(r)
		if len(r.Question) == 0 {
			_ = w.WriteMsg(msg)
			return
		}
		q := r.Question[0]
		msg.Answer = append(msg.Answer,
			&dns.SRV{
				Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 30},
				Priority: 10, Weight: 0, Port: 50051, Target: "solver-a.internal.",
			},
			&dns.SRV{
				Hdr:      dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 30},
				Priority: 20, Weight: 0, Port: 50052, Target: "solver-b.internal.",
			},
		)
		_ = w.WriteMsg(msg)
	})

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolveViaServerOrdersByPriority(t *testing.T) {
	addr := startStubSRVServer(t)
	resolver := discovery.NewResolver(addr, 2*time.Second)

	targets, err := resolver.Resolve(context.Background(), "_grpc._tcp.solver.internal")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "solver-a.internal", targets[0].Host)
	assert.Equal(t, uint16(50051), targets[0].Port)
	assert.Equal(t, "solver-b.internal", targets[1].Host)
}

func TestPickReturnsLowestPriorityTier(t *testing.T) {
	addr := startStubSRVServer(t)
	resolver := discovery.NewResolver(addr, 2*time.Second)

	target, err := resolver.Pick(context.Background(), "_grpc._tcp.solver.internal")
	require.NoError(t, err)
	assert.Equal(t, "solver-a.internal", target.Host)
	assert.Equal(t, "solver-a.internal:50051", target.Addr())
}

func TestResolveReturnsNoTargetsWhenEmpty(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		msg := &dns.Msg{}
		msg.SetReply(r)
		_ = w.WriteMsg(msg)
	})
	server := &dns.Server{PacketConn: pc, Handler: handler}
	go server.ActivateAndServe()
	t.Cleanup(func() { _ = server.Shutdown() })

	resolver := discovery.NewResolver(pc.LocalAddr().String(), 2*time.Second)
	_, err = resolver.Resolve(context.Background(), "_grpc._tcp.empty.internal")
	assert.ErrorIs(t, err, discovery.ErrNoTargets)
}
