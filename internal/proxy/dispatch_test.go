package proxy

import (
	"context"
	"sync"
	"testing"
	"time"
)

// stubExchanger answers each query with "resp:" followed by the query
// bytes, optionally delaying per-query to exercise completion ordering.
type stubExchanger struct {
	delays map[string]time.Duration
}

func (s *stubExchanger) Query(_ context.Context, wire []byte) ([]byte, error) {
	if d, ok := s.delays[string(wire)]; ok {
		time.Sleep(d)
	}
	resp := append([]byte("resp:"), wire...)
	return resp, nil
}

func TestDispatch_DeliversResponseWithRequester(t *testing.T) {
	d := NewDispatcher(&stubExchanger{}, time.Second, 0, "test", nil)

	done := make(chan struct{})
	var gotResp []byte
	var gotRequester any
	d.Dispatch([]byte("q1"), "peer-1", func(resp []byte, requester any) {
		gotResp = resp
		gotRequester = requester
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not complete")
	}
	if string(gotResp) != "resp:q1" {
		t.Errorf("response = %q, want resp:q1", gotResp)
	}
	if gotRequester != "peer-1" {
		t.Errorf("requester = %v, want peer-1", gotRequester)
	}
}

func TestDispatch_CompletionOrderNotArrivalOrder(t *testing.T) {
	d := NewDispatcher(&stubExchanger{delays: map[string]time.Duration{
		"slow": 300 * time.Millisecond,
	}}, time.Second, 0, "test", nil)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	send := func(resp []byte, requester any) {
		mu.Lock()
		order = append(order, requester.(string))
		mu.Unlock()
		wg.Done()
	}

	d.Dispatch([]byte("slow"), "slow", send)
	d.Dispatch([]byte("fast"), "fast", send)
	wg.Wait()

	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Errorf("delivery order = %v, want [fast slow]", order)
	}
}

func TestDispatch_RateLimitDrops(t *testing.T) {
	d := NewDispatcher(&stubExchanger{}, time.Second, 1, "test", nil)

	var mu sync.Mutex
	delivered := 0
	send := func([]byte, any) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}

	// Burst is 1: the first query passes, the immediate rest are dropped.
	for i := 0; i < 10; i++ {
		d.Dispatch([]byte("q"), i, send)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered >= 10 {
		t.Errorf("delivered = %d, want fewer than 10 (rate limited)", delivered)
	}
	if delivered == 0 {
		t.Error("delivered = 0, want at least the first query through")
	}
}
