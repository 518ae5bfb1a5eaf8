package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/chanq/internal/queue"
)

type failingStore struct {
	queue.Store
	err error
}

func (s failingStore) ListPolicies(context.Context) ([]queue.ChannelPolicy, error) { return nil, s.err }
func (s failingStore) ListChannels(context.Context) ([]queue.ChannelState, error) { return nil, s.err }

func gaugeValue(t *testing.T, reg *prometheus.Registry, name, channel string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "channel" && l.GetValue() == channel {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestInstrumentedStore_CountsOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	store := newInstrumentedStore(queue.NewMemoryStore(), reg)

	one := 1
	if err := store.SetPolicy(ctx, queue.ChannelPolicy{Channel: "c", MaxSize: &one}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Create(ctx, queue.CreateRequest{Channel: "c", Content: []byte("x")}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	res, err := store.Dequeue(ctx, queue.DequeueRequest{})
	if err != nil || res.Status != queue.DequeueDequeued {
		t.Fatalf("Dequeue: %+v %v", res, err)
	}
	if _, err := store.Delete(ctx, queue.DeleteRequest{ID: res.Message.ID, Token: "stale"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Create(ctx, queue.CreateRequest{}); err == nil {
		t.Fatalf("expected error for missing channel")
	}

	cases := []struct {
		op, status string
		want       float64
	}{
		{"set_policy", "ok", 1},
		{"create", "created", 1},
		{"create", "dropped", 1},
		{"create", "error", 1},
		{"dequeue", "dequeued", 1},
		{"delete", "state_invalid", 1},
		{"delete", "deleted", 0},
	}
	for _, tc := range cases {
		if got := testutil.ToFloat64(store.ops.WithLabelValues(tc.op, tc.status)); got != tc.want {
			t.Fatalf("chanq_operations_total{op=%q,status=%q}=%v, want %v", tc.op, tc.status, got, tc.want)
		}
	}
}

func TestChannelCollector_ReportsState(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	limit := 3
	if err := store.SetPolicy(ctx, queue.ChannelPolicy{Channel: "alpha", MaxConcurrency: &limit}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Create(ctx, queue.CreateRequest{Channel: "alpha", Content: []byte("x")}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.Dequeue(ctx, queue.DequeueRequest{}); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	reg := newMetricsRegistry(store, newTestLogger())
	if v, ok := gaugeValue(t, reg, "chanq_channel_size", "alpha"); !ok || v != 2 {
		t.Fatalf("chanq_channel_size=%v (found=%v), want 2", v, ok)
	}
	if v, ok := gaugeValue(t, reg, "chanq_channel_concurrency", "alpha"); !ok || v != 1 {
		t.Fatalf("chanq_channel_concurrency=%v (found=%v), want 1", v, ok)
	}
	if v, ok := gaugeValue(t, reg, "chanq_channel_max_concurrency", "alpha"); !ok || v != 3 {
		t.Fatalf("chanq_channel_max_concurrency=%v (found=%v), want 3", v, ok)
	}
	if _, ok := gaugeValue(t, reg, "chanq_channel_max_size", "alpha"); ok {
		t.Fatalf("chanq_channel_max_size reported for a channel without a size limit")
	}
}

func TestChannelCollector_CountsScrapeErrors(t *testing.T) {
	c := newChannelCollector(failingStore{Store: queue.NewMemoryStore(), err: errors.New("boom")}, newTestLogger())
	if n := testutil.CollectAndCount(c, "chanq_channel_size"); n != 0 {
		t.Fatalf("channel series=%d, want 0", n)
	}
	if got := testutil.ToFloat64(c.scrapeErrors); got != 1 {
		t.Fatalf("scrape errors=%v, want 1", got)
	}
}

func TestMetricsHandler_ServesMetricsAndHealth(t *testing.T) {
	store := queue.NewMemoryStore()
	reg := newMetricsRegistry(store, newTestLogger())
	srv := httptest.NewServer(newMetricsHandler(reg, store, time.Now()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "chanq_build_info") {
		t.Fatalf("/metrics status=%d body missing build info", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusOK || health["ok"] != true {
		t.Fatalf("health status=%d body=%v", resp.StatusCode, health)
	}
}

func TestMetricsHandler_UnhealthyStore(t *testing.T) {
	store := failingStore{Store: queue.NewMemoryStore(), err: errors.New("db down")}
	h := newMetricsHandler(prometheus.NewRegistry(), store, time.Now())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "db down") {
		t.Fatalf("body=%q, want error text", rec.Body.String())
	}
}
