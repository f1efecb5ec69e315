package udpserver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/tternquist/datagram-dns-proxy/internal/proxy"
	"github.com/tternquist/datagram-dns-proxy/internal/upstream"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	mock, err := upstream.NewMock(nil, "2001:db8::1")
	if err != nil {
		t.Fatalf("NewMock: %v", err)
	}
	dispatcher := proxy.NewDispatcher(mock, time.Second, 0, "udp", nil)
	server, err := New(Config{Host: "127.0.0.1", Port: 0}, dispatcher, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })
	return server
}

func TestServer_ResolvesQuery(t *testing.T) {
	server := startServer(t)

	query := new(dns.Msg)
	query.SetQuestion("example.org.", dns.TypeAAAA)
	query.Id = 0

	client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := client.Exchange(query, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Id != 0 {
		t.Errorf("response id = %#x, want 0", resp.Id)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	if !ok || aaaa.AAAA.String() != "2001:db8::1" {
		t.Errorf("answer = %v, want AAAA 2001:db8::1", resp.Answer[0])
	}
}

func TestServer_ConcurrentClients(t *testing.T) {
	server := startServer(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			query := new(dns.Msg)
			query.SetQuestion("example.org.", dns.TypeAAAA)
			client := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
			_, _, err := client.Exchange(query, server.LocalAddr().String())
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

// TestServer_ProxyToUpstream exercises the whole chain: UDP server →
// dispatcher → upstream client → local resolver.
func TestServer_ProxyToUpstream(t *testing.T) {
	resolver := &dns.Server{
		Addr: "127.0.0.1:0",
		Net:  "udp",
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
				AAAA: net.ParseIP("2001:db8::1"),
			})
			_ = w.WriteMsg(resp)
		}),
	}
	started := make(chan struct{})
	resolver.NotifyStartedFunc = func() { close(started) }
	go func() { _ = resolver.ListenAndServe() }()
	<-started
	t.Cleanup(func() { _ = resolver.Shutdown() })

	host, portStr, err := net.SplitHostPort(resolver.PacketConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	client, err := upstream.NewClient(host, port, upstream.UDP, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	dispatcher := proxy.NewDispatcher(client, 2*time.Second, 0, "udp", nil)
	server, err := New(Config{Host: "127.0.0.1", Port: 0}, dispatcher, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = server.Close(context.Background()) })

	query := new(dns.Msg)
	query.SetQuestion("example.org.", dns.TypeAAAA)
	dnsClient := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
	resp, _, err := dnsClient.Exchange(query, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(resp.Answer))
	}
}

func TestServer_CloseIdempotent(t *testing.T) {
	server := startServer(t)

	if err := server.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := server.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}
