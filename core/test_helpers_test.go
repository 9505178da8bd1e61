package core

import (
	"context"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.values))
	for key, value := range l.values {
		out[key] = value
	}
	return out, nil
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, delay time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, delay)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// scriptedRefresher returns scripted results in order and can block until released.
type scriptedRefresher struct {
	mu       sync.Mutex
	calls    int
	results  []Credential
	errs     []error
	gate     chan struct{}
	started  chan struct{}
	received []string
}

func (r *scriptedRefresher) RefreshToken(ctx context.Context, refreshToken string) (Credential, error) {
	r.mu.Lock()
	index := r.calls
	r.calls++
	r.received = append(r.received, refreshToken)
	gate := r.gate
	started := r.started
	r.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if index < len(r.errs) {
		err = r.errs[index]
	}
	if err != nil {
		return Credential{}, err
	}
	if index < len(r.results) {
		return r.results[index], nil
	}
	if len(r.results) > 0 {
		return r.results[len(r.results)-1], nil
	}
	return Credential{AccessToken: "access-new", RefreshToken: "refresh-new"}, nil
}

func (r *scriptedRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordedEvents) handler(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) byType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type countingMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *countingMetrics) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
}

func (m *countingMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *countingMetrics) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}
