// Package metrics is a lightweight collector for the sync core, rendered in
// Prometheus text exposition format without pulling in client_golang.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewCollector()

// Sync-core metrics.
var (
	FeedEvents     = Collector.Counter("pairchat_feed_events_total", "Change-feed notifications reconciled")
	ReceiptFlushes = Collector.Counter("pairchat_receipt_flushes_total", "Read/delivery receipt batches committed")
	Heartbeats     = Collector.Counter("pairchat_heartbeats_total", "Presence heartbeats written")
	ConnChanges    = Collector.Counter("pairchat_connection_changes_total", "Connection state transitions")
	ScheduleFires  = Collector.Counter("pairchat_schedule_fires_total", "Scheduled messages sent")
	PageLoads      = Collector.Counter("pairchat_page_loads_total", "History pages fetched")
	LoadedMessages = Collector.Gauge("pairchat_loaded_messages", "Messages in the local mirror")
	ConnectionUp   = Collector.Gauge("pairchat_connection_up", "1 while the store connection is healthy")
)

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	mu        sync.Mutex
	counters  []*Counter
	gauges    []*Gauge
	startTime time.Time
}

func NewCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter registers (or returns) a counter with the given name.
func (m *MetricsCollector) Counter(name, help string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counters {
		if c.name == name {
			return c
		}
	}
	c := &Counter{name: name, help: help}
	m.counters = append(m.counters, c)
	return c
}

// Gauge registers (or returns) a gauge with the given name.
func (m *MetricsCollector) Gauge(name, help string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gauges {
		if g.name == name {
			return g
		}
	}
	g := &Gauge{name: name, help: help}
	m.gauges = append(m.gauges, g)
	return g
}

// Handler renders the registry in Prometheus text format.
func (m *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, m.Render())
	}
}

// Render produces the exposition text.
func (m *MetricsCollector) Render() string {
	m.mu.Lock()
	counters := append([]*Counter{}, m.counters...)
	gauges := append([]*Gauge{}, m.gauges...)
	m.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP pairchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE pairchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "pairchat_uptime_seconds %d\n", int64(time.Since(m.startTime).Seconds()))

	for _, c := range counters {
		fmt.Fprintf(&sb, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(&sb, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(&sb, "%s %d\n", c.name, c.Value())
	}
	for _, g := range gauges {
		fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
	}
	return sb.String()
}

// Serve starts the metrics endpoint on addr. Errors are returned to the
// caller; this never takes down the process on its own.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}
