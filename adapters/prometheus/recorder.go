// Package prometheus exports session counters and histograms through
// client_golang collectors.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-session/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets are millisecond buckets for *.duration_ms histograms.
var DurationBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

type Option func(*Recorder)

// WithNamespace prefixes every exported metric name.
func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitizeName(namespace)
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// Recorder implements core.MetricsRecorder. Each metric is created on first
// use and its label set is fixed from the tags of that first call; later
// calls fill missing labels with "" and drop unknown ones.
type Recorder struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*vecEntry[*prometheus.CounterVec]
	histograms map[string]*vecEntry[*prometheus.HistogramVec]
	failed     map[string]struct{}
}

type vecEntry[V any] struct {
	vec    V
	labels []string
}

// NewRecorder builds a recorder on a private registry.
func NewRecorder(opts ...Option) *Recorder {
	registry := prometheus.NewRegistry()
	return NewRecorderWithRegistry(registry, registry, opts...)
}

func NewRecorderWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Recorder{
		registerer: registerer,
		gatherer:   gatherer,
		buckets:    DurationBuckets,
		counters:   map[string]*vecEntry[*prometheus.CounterVec]{},
		histograms: map[string]*vecEntry[*prometheus.HistogramVec]{},
		failed:     map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Handler serves the recorder's registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	entry := r.counter(name, tags)
	if entry == nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	entry := r.histogram(name, tags)
	if entry == nil {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) *vecEntry[*prometheus.CounterVec] {
	fqName := r.metricName(name)
	if fqName == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[fqName]; ok {
		return entry
	}
	if _, failed := r.failed[fqName]; failed {
		return nil
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: fqName,
		Help: "Session counter " + strings.TrimSpace(name),
	}, labels)
	vec, ok := register(r.registerer, vec)
	if !ok {
		r.failed[fqName] = struct{}{}
		return nil
	}
	entry := &vecEntry[*prometheus.CounterVec]{vec: vec, labels: labels}
	r.counters[fqName] = entry
	return entry
}

func (r *Recorder) histogram(name string, tags map[string]string) *vecEntry[*prometheus.HistogramVec] {
	fqName := r.metricName(name)
	if fqName == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[fqName]; ok {
		return entry
	}
	if _, failed := r.failed[fqName]; failed {
		return nil
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    fqName,
		Help:    "Session histogram " + strings.TrimSpace(name),
		Buckets: r.buckets,
	}, labels)
	vec, ok := register(r.registerer, vec)
	if !ok {
		r.failed[fqName] = struct{}{}
		return nil
	}
	entry := &vecEntry[*prometheus.HistogramVec]{vec: vec, labels: labels}
	r.histograms[fqName] = entry
	return entry
}

// register adopts an equal collector that is already registered.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) (C, bool) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, true
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, true
		}
	}
	var zero C
	return zero, false
}

func (r *Recorder) metricName(name string) string {
	name = sanitizeName(name)
	if name == "" {
		return ""
	}
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func labelNames(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for key := range tags {
		if label := sanitizeName(key); label != "" {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return dedupe(out)
}

func labelValues(labels []string, tags map[string]string) []string {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[sanitizeName(key)] = value
	}
	out := make([]string, len(labels))
	for i, label := range labels {
		out[i] = normalized[label]
	}
	return out
}

// sanitizeName maps dotted session metric names onto the Prometheus charset.
func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	b.Grow(len(name) + 1)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, value := range sorted[1:] {
		if value != out[len(out)-1] {
			out = append(out, value)
		}
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
