package metrics2

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/contestms/grading/go/now"
)

var (
	// invalidChar is used to force metric and tag names to conform to
	// Prometheus's restrictions.
	invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")

	mtx    sync.Mutex
	gauges = map[string]*prometheus.GaugeVec{}
)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// gaugeFor returns the prometheus Gauge for the given measurement and tags,
// registering a GaugeVec on first use of the measurement.
func gaugeFor(measurement string, tags map[string]string) prometheus.Gauge {
	mtx.Lock()
	defer mtx.Unlock()

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, clean(k))
	}
	sort.Strings(keys)
	key := clean(measurement) + ":" + strings.Join(keys, ",")

	vec, ok := gauges[key]
	if !ok {
		vec = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: clean(measurement),
		}, keys)
		gauges[key] = vec
	}
	labels := make(prometheus.Labels, len(tags))
	for k, v := range tags {
		labels[clean(k)] = v
	}
	return vec.With(labels)
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

// promFloat64 implements the Float64Metric interface.
type promFloat64 struct {
	mutex sync.Mutex
	i     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.i
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.i = v
	m.gauge.Set(v)
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.Update(pc.Get() + i)
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// GetInt64Metric returns an Int64Metric with the given measurement name and
// tags.
func GetInt64Metric(measurement string, tags map[string]string) Int64Metric {
	return &promInt64{gauge: gaugeFor(measurement, tags)}
}

// GetFloat64Metric returns a Float64Metric with the given measurement name
// and tags.
func GetFloat64Metric(measurement string, tags map[string]string) Float64Metric {
	return &promFloat64{gauge: gaugeFor(measurement, tags)}
}

// GetCounter returns a Counter with the given measurement name and tags.
func GetCounter(name string, tags map[string]string) Counter {
	return &promCounter{promInt64{gauge: gaugeFor(name, tags)}}
}

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
	stop                 chan struct{}
}

// NewLiveness creates a new Liveness metric helper. The current value is
// reported at regular intervals; calling Reset indicates a successful update.
func NewLiveness(name string, tags map[string]string) Liveness {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["type"] = "liveness"
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(name+"_s", t),
		stop:                 make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.update()
			case <-l.stop:
				return
			}
		}
	}()
	return l
}

func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccessfulUpdate).Seconds())
}

func (l *liveness) update() {
	l.m.Update(l.Get())
}

func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = time.Now()
}

// timer implements the Timer interface.
type timer struct {
	begin time.Time
	ctx   context.Context
	m     Float64Metric
}

// NewTimer creates and returns a new started Timer.
func NewTimer(ctx context.Context, name string, tags map[string]string) Timer {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["type"] = "timer"
	return &timer{
		begin: now.Now(ctx),
		ctx:   ctx,
		m:     GetFloat64Metric(name+"_ns", t),
	}
}

// Stop implements the Timer interface.
func (t *timer) Stop() time.Duration {
	elapsed := now.Now(t.ctx).Sub(t.begin)
	t.m.Update(float64(elapsed.Nanoseconds()))
	return elapsed
}
