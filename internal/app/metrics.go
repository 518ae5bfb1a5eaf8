package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/chanq/internal/queue"
)

const scrapeTimeout = 5 * time.Second

// instrumentedStore counts every transition by operation and outcome.
type instrumentedStore struct {
	queue.Store
	ops *prometheus.CounterVec
}

func newInstrumentedStore(store queue.Store, reg prometheus.Registerer) *instrumentedStore {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chanq_operations_total",
		Help: "Queue transitions by operation and outcome.",
	}, []string{"op", "status"})
	reg.MustRegister(ops)
	return &instrumentedStore{Store: store, ops: ops}
}

func (s *instrumentedStore) observe(op, status string, err error) {
	if err != nil {
		status = "error"
	}
	s.ops.WithLabelValues(op, status).Inc()
}

func (s *instrumentedStore) Create(ctx context.Context, req queue.CreateRequest) (queue.CreateResult, error) {
	res, err := s.Store.Create(ctx, req)
	s.observe("create", res.Status.String(), err)
	return res, err
}

func (s *instrumentedStore) Dequeue(ctx context.Context, req queue.DequeueRequest) (queue.DequeueResult, error) {
	res, err := s.Store.Dequeue(ctx, req)
	status := res.Status.String()
	if err == nil && res.Status == queue.DequeueDequeued && res.Message.Reclaimed {
		status = "reclaimed"
	}
	s.observe("dequeue", status, err)
	return res, err
}

func (s *instrumentedStore) Defer(ctx context.Context, req queue.DeferRequest) (queue.MessageStatus, error) {
	st, err := s.Store.Defer(ctx, req)
	s.observe("defer", st.String(), err)
	return st, err
}

func (s *instrumentedStore) Delete(ctx context.Context, req queue.DeleteRequest) (queue.MessageStatus, error) {
	st, err := s.Store.Delete(ctx, req)
	s.observe("delete", st.String(), err)
	return st, err
}

func (s *instrumentedStore) Heartbeat(ctx context.Context, req queue.HeartbeatRequest) (queue.MessageStatus, error) {
	st, err := s.Store.Heartbeat(ctx, req)
	s.observe("heartbeat", st.String(), err)
	return st, err
}

func (s *instrumentedStore) SetPolicy(ctx context.Context, policy queue.ChannelPolicy) error {
	err := s.Store.SetPolicy(ctx, policy)
	s.observe("set_policy", "ok", err)
	return err
}

func (s *instrumentedStore) ClearPolicy(ctx context.Context, channel string) error {
	err := s.Store.ClearPolicy(ctx, channel)
	s.observe("clear_policy", "ok", err)
	return err
}

// channelCollector reads channel aggregates at scrape time.
type channelCollector struct {
	store  queue.Store
	logger *slog.Logger

	size           *prometheus.Desc
	concurrency    *prometheus.Desc
	maxSize        *prometheus.Desc
	maxConcurrency *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

func newChannelCollector(store queue.Store, logger *slog.Logger) *channelCollector {
	labels := []string{"channel"}
	return &channelCollector{
		store:          store,
		logger:         logger,
		size:           prometheus.NewDesc("chanq_channel_size", "Messages currently held by the channel.", labels, nil),
		concurrency:    prometheus.NewDesc("chanq_channel_concurrency", "Messages currently leased from the channel.", labels, nil),
		maxSize:        prometheus.NewDesc("chanq_channel_max_size", "Configured size limit of the channel.", labels, nil),
		maxConcurrency: prometheus.NewDesc("chanq_channel_max_concurrency", "Configured lease limit of the channel.", labels, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanq_channel_scrape_errors_total",
			Help: "Failed attempts to read channel state during a scrape.",
		}),
	}
}

func (c *channelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.concurrency
	ch <- c.maxSize
	ch <- c.maxConcurrency
	c.scrapeErrors.Describe(ch)
}

func (c *channelCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	states, err := c.store.ListChannels(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		if c.logger != nil {
			c.logger.Warn("metrics_channels_failed", slog.Any("err", err))
		}
	}
	for _, st := range states {
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.CurrentSize), st.Channel)
		ch <- prometheus.MustNewConstMetric(c.concurrency, prometheus.GaugeValue, float64(st.CurrentConcurrency), st.Channel)
		if st.MaxSize != nil {
			ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(*st.MaxSize), st.Channel)
		}
		if st.MaxConcurrency != nil {
			ch <- prometheus.MustNewConstMetric(c.maxConcurrency, prometheus.GaugeValue, float64(*st.MaxConcurrency), st.Channel)
		}
	}
	c.scrapeErrors.Collect(ch)
}

func newMetricsRegistry(store queue.Store, logger *slog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newChannelCollector(store, logger),
	)
	build := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chanq_build_info",
		Help: "Build metadata of the running binary.",
	}, []string{"version", "commit"})
	build.WithLabelValues(version, commit).Set(1)
	reg.MustRegister(build)
	return reg
}

// newMetricsHandler serves /metrics from reg and /healthz backed by a cheap
// store read.
func newMetricsHandler(reg *prometheus.Registry, store queue.Store, start time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), scrapeTimeout)
		defer cancel()

		payload := map[string]any{
			"ok":             true,
			"version":        version,
			"uptime_seconds": int64(time.Since(start).Seconds()),
		}
		status := http.StatusOK
		if _, err := store.ListPolicies(ctx); err != nil {
			payload["ok"] = false
			payload["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	})
	return mux
}
