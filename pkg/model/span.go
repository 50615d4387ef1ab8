// Package model holds the span and trace value types returned by the span
// store.
package model

import (
	"sort"

	"github.com/zhangweixin/zipkin/pkg/util"
)

// Annotation is a timestamped event attached to a span. ServiceName is the
// name of the service that recorded it, lower-cased.
type Annotation struct {
	Timestamp   int64 // epoch microseconds
	Value       string
	ServiceName string
}

// BinaryAnnotation is a key/value tag attached to a span.
type BinaryAnnotation struct {
	Key         string
	Value       string
	ServiceName string
}

// Span is a single timed operation within a trace.
//
// Timestamp and Duration are in microseconds, a finer grain than the
// millisecond endTs/lookback fields of a query request. Both are optional:
// spans reported by old instrumentation may carry neither.
type Span struct {
	TraceID           int64
	ID                int64
	Name              string
	ParentID          *int64
	Debug             bool
	Timestamp         *int64 // epoch microseconds
	Duration          *int64 // microseconds
	Annotations       []Annotation
	BinaryAnnotations []BinaryAnnotation
}

// ServiceNames returns the distinct lower-cased service names recorded on the
// span's annotations, unsorted.
func (s Span) ServiceNames() []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, a := range s.Annotations {
		add(a.ServiceName)
	}
	for _, b := range s.BinaryAnnotations {
		add(b.ServiceName)
	}
	return names
}

// TraceIDString renders the span's trace id as zero-padded lowercase hex.
func (s Span) TraceIDString() string {
	return util.TraceIDToHexString(s.TraceID)
}

// Trace is the set of spans sharing a trace id.
type Trace []Span

// SortTrace orders spans by timestamp ascending, spans without a timestamp
// first, ties broken by span id.
func SortTrace(t Trace) {
	sort.SliceStable(t, func(i, j int) bool {
		ti, tj := t[i].Timestamp, t[j].Timestamp
		switch {
		case ti == nil && tj == nil:
			return t[i].ID < t[j].ID
		case ti == nil:
			return true
		case tj == nil:
			return false
		case *ti != *tj:
			return *ti < *tj
		default:
			return t[i].ID < t[j].ID
		}
	})
}

// ServiceNames returns the sorted distinct service names across all spans of
// the trace.
func (t Trace) ServiceNames() []string {
	seen := map[string]struct{}{}
	var names []string
	for _, span := range t {
		for _, name := range span.ServiceNames() {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
