package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

type staticRegistry struct {
	hooks []*db.Webhook
}

func (r *staticRegistry) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*db.Webhook, error) {
	var out []*db.Webhook
	for _, w := range r.hooks {
		if w.Accepts(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

type received struct {
	payload   Payload
	signature string
	event     string
}

type recorder struct {
	mu   sync.Mutex
	got  []received
	fail int32
}

func (rec *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&rec.fail, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
			return
		}
		var p Payload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode payload: %v", err)
			return
		}
		rec.mu.Lock()
		rec.got = append(rec.got, received{
			payload:   p,
			signature: r.Header.Get("X-Webhook-Signature"),
			event:     r.Header.Get("X-Webhook-Event"),
		})
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rec *recorder) wait(t *testing.T, n int) []received {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		if len(rec.got) >= n {
			out := append([]received(nil), rec.got...)
			rec.mu.Unlock()
			return out
		}
		rec.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries", n)
	return nil
}

func testConfig() Config {
	return Config{
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Timeout:      time.Second,
		QueueSize:    16,
	}
}

func stateEvent(id string, state core.ItemState) core.Event {
	return core.Event{
		Kind: core.EventStateChanged,
		Time: time.Now(),
		Item: &core.ItemView{ID: id, State: state},
	}
}

func TestSender_DeliversInOrderWithSignature(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	reg := &staticRegistry{hooks: []*db.Webhook{
		{ID: 1, URL: srv.URL, Secret: "s3cret", EventsJSON: `["state_changed"]`, Enabled: true},
	}}
	s := NewSender(reg, testConfig())
	s.Start()
	defer s.Stop()

	s.Notify(core.Event{Kind: core.EventItemAdded, Time: time.Now()})
	s.Notify(stateEvent("a", core.StateQueue))
	s.Notify(stateEvent("a", core.StateEncoding))
	s.Notify(stateEvent("a", core.StateComplete))

	got := rec.wait(t, 3)
	want := []core.ItemState{core.StateQueue, core.StateEncoding, core.StateComplete}
	for i, r := range got {
		if r.event != "state_changed" {
			t.Fatalf("delivery %d: event header %q", i, r.event)
		}
		if r.signature == "" || r.signature != Sign(r.payload.Data, "s3cret") {
			t.Fatalf("delivery %d: bad signature %q", i, r.signature)
		}
		var ev core.Event
		if err := json.Unmarshal(r.payload.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Item == nil || ev.Item.State != want[i] {
			t.Fatalf("delivery %d: expected state %s, got %+v", i, want[i], ev.Item)
		}
	}
}

func TestSender_RetriesServerErrors(t *testing.T) {
	rec := &recorder{fail: 2}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	reg := &staticRegistry{hooks: []*db.Webhook{{ID: 1, URL: srv.URL, Enabled: true}}}
	s := NewSender(reg, testConfig())
	s.Start()
	defer s.Stop()

	s.Notify(stateEvent("a", core.StateFailed))
	got := rec.wait(t, 1)
	if got[0].signature != "" {
		t.Fatalf("expected no signature without a secret, got %q", got[0].signature)
	}
}

func TestSender_NotifyNeverBlocks(t *testing.T) {
	reg := &staticRegistry{}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := NewSender(reg, cfg)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Notify(stateEvent("a", core.StateQueue))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked with a full queue and no worker")
	}
}

func TestSign(t *testing.T) {
	a := Sign([]byte(`{"x":1}`), "k")
	if a != Sign([]byte(`{"x":1}`), "k") {
		t.Fatalf("signature not deterministic")
	}
	if a == Sign([]byte(`{"x":1}`), "other") {
		t.Fatalf("signature ignores secret")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(a))
	}
}

func TestSender_TestIsSynchronous(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	s := NewSender(&staticRegistry{}, Config{RetryWaitMin: time.Millisecond})
	hook := &db.Webhook{ID: 7, URL: srv.URL, Secret: "k"}
	if err := s.Test(context.Background(), hook); err != nil {
		t.Fatalf("Test: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.got))
	}
	got := rec.got[0]
	if got.event != "test" || got.signature != Sign(got.payload.Data, "k") {
		t.Fatalf("delivery = %+v", got)
	}
}

func TestSender_TestReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewSender(&staticRegistry{}, Config{})
	if err := s.Test(context.Background(), &db.Webhook{URL: srv.URL}); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}
