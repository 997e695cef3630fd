// Package metrics2 provides a thin, tag-oriented interface over Prometheus
// metrics.
package metrics2

import (
	"time"
)

// Counter is a struct used for tracking metrics which increment or decrement.
type Counter interface {
	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Get returns the current value in the counter.
	Get() int64

	// Reset sets the counter to zero.
	Reset()
}

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)
}

// Float64Metric is a metric which reports a float64 value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update adds a data point to the metric.
	Update(v float64)
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// Reset sets the elapsed time to zero.
	Reset()
}

// Timer is a struct used for measuring elapsed time. Its timer starts when
// NewTimer is called and stops when Stop() is called.
type Timer interface {
	// Stop the timer and report the elapsed time.
	Stop() time.Duration
}
