package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName identifies this module's instruments
const meterName = "github.com/agenticcoder/agentcore"

var (
	instrumentMu sync.Mutex
	counters     = make(map[string]metric.Float64Counter)
	histograms   = make(map[string]metric.Float64Histogram)
)

func meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

// Counter increments a counter metric by 1.
// Labels are provided as alternating key-value pairs.
// Example: Counter("agentcore.messages.received", "phase", "4")
func Counter(name string, labels ...string) {
	instrumentMu.Lock()
	counter, ok := counters[name]
	if !ok {
		var err error
		counter, err = meter().Float64Counter(name)
		if err != nil {
			instrumentMu.Unlock()
			return
		}
		counters[name] = counter
	}
	instrumentMu.Unlock()

	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution.
// Example: Histogram("agentcore.step.duration_ms", 125.3, "step", "extract")
func Histogram(name string, value float64, labels ...string) {
	instrumentMu.Lock()
	histogram, ok := histograms[name]
	if !ok {
		var err error
		histogram, err = meter().Float64Histogram(name)
		if err != nil {
			instrumentMu.Unlock()
			return
		}
		histograms[name] = histogram
	}
	instrumentMu.Unlock()

	histogram.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration("agentcore.execute.duration_ms", start, "agent", id)
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// RecordError counts an error occurrence with type classification
func RecordError(name string, errorType string, labels ...string) {
	Counter(name, append(labels, "error_type", errorType)...)
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
