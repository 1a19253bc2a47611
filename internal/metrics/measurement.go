// Package metrics implements the buffered, reconnecting sink that
// forwards typed measurements to the external time-series store.
package metrics

import (
	"time"
)

// Measurement is the lingua franca written to the time-series store:
// a named point with a fixed tag set, typed fields, and a timestamp.
// Field values are int64, float64, bool, or string.
type Measurement struct {
	Name      string
	Tags      map[string]string
	Fields    map[string]any
	Timestamp time.Time
}

// NewMeasurement builds a point stamped with the current time
func NewMeasurement(name string, tags map[string]string, fields map[string]any) Measurement {
	return Measurement{
		Name:      name,
		Tags:      tags,
		Fields:    fields,
		Timestamp: time.Now(),
	}
}
