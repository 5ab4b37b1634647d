package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/cubelink/internal/config"
)

// AnomalyDetector flags operations whose failure rate over a sliding window
// crosses a threshold. Keys are operation names such as "delivery:/dev/ttyUSB0"
// or "execution:python".
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]bool
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]bool),
		cfg:       cfg,
		logger:    logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples <= 0 {
		return 5
	}
	return float64(a.cfg.MinSamples)
}

// RecordFailure records a failed operation and re-evaluates its rate.
func (a *AnomalyDetector) RecordFailure(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.failures, operation).add(time.Now())
	a.evaluate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, operation).add(time.Now())
	a.evaluate(operation)
}

// Anomalous reports whether operation is currently above the threshold.
func (a *AnomalyDetector) Anomalous(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[operation]
}

// Flagged returns the operations currently above the threshold.
func (a *AnomalyDetector) Flagged() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var ops []string
	for op, on := range a.flagged {
		if on {
			ops = append(ops, op)
		}
	}
	return ops
}

// evaluate updates the flag for operation and logs on transitions.
// Must be called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	failures := a.window(a.failures, operation).count()
	total := failures + a.window(a.successes, operation).count()
	if total < a.minSamples() {
		return
	}

	rate := failures / total
	was := a.flagged[operation]
	now := rate > threshold
	a.flagged[operation] = now
	if a.logger == nil || was == now {
		return
	}
	if now {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	} else {
		a.logger.Info("failure rate back under threshold",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count() float64 {
	w.prune(time.Now())
	return float64(len(w.entries))
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
