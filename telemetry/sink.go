package telemetry

import (
	"fmt"
	"log"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tsawler/go-vibi/training"
)

// LogSink prints every call as a single log line.
type LogSink struct {
	Logger *log.Logger
}

// Scalars implements training.Sink.
func (s LogSink) Scalars(tag string, values map[string]float64, step int) error {
	keys := maps.Keys(values)
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, values[k])
	}
	s.Logger.Printf("[%d] %s %s", step, tag, strings.Join(parts, " "))
	return nil
}

type multi []training.Sink

// Multi fans every call out to all sinks. It returns the first error after
// every sink has been called.
func Multi(sinks ...training.Sink) training.Sink {
	return multi(sinks)
}

func (m multi) Scalars(tag string, values map[string]float64, step int) error {
	var first error
	for _, s := range m {
		if err := s.Scalars(tag, values, step); err != nil && first == nil {
			first = err
		}
	}
	return first
}
