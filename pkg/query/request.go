// Package query holds the trace query filter model: an immutable, validated
// QueryRequest built through a Builder that applies defaults before
// construction.
package query

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidArgument is wrapped by every validation failure raised while
// constructing a QueryRequest. Check with errors.Is.
var ErrInvalidArgument = errors.New("invalid argument")

// QueryRequest selects traces matching the below filters.
//
// Results are filtered against EndTs, subject to Limit and Lookback. For
// example, if endTs is 10:20 today, limit is 10, and lookback is 7 days,
// traces returned are those nearest to 10:20 today, not 10:20 a week ago.
//
// EndTs and Lookback are in milliseconds as opposed to microseconds, the
// grain of span timestamps and durations. The query engine converts between
// the two grains, not this type.
//
// A QueryRequest never changes once constructed and is safe to share across
// goroutines. All construction goes through a Builder.
type QueryRequest struct {
	serviceName       string
	spanName          *string
	annotations       []string
	binaryAnnotations map[string]string
	minDuration       *uint64
	maxDuration       *uint64
	endTs             int64
	lookback          int64
	limit             int
}

// newQueryRequest validates and normalizes the assembled fields. Validation
// is fail-fast: the first violated rule is reported and the rest are not
// evaluated. Lower-casing happens after validation so that only truly empty
// strings are rejected.
func newQueryRequest(
	serviceName string,
	spanName *string,
	annotations []string,
	binaryAnnotations map[string]string,
	minDuration, maxDuration *uint64,
	endTs, lookback int64,
	limit int,
) (QueryRequest, error) {
	if serviceName == "" {
		return QueryRequest{}, fmt.Errorf("%w: serviceName was empty", ErrInvalidArgument)
	}
	if spanName != nil && *spanName == "" {
		return QueryRequest{}, fmt.Errorf("%w: spanName was empty", ErrInvalidArgument)
	}
	if endTs <= 0 {
		return QueryRequest{}, fmt.Errorf("%w: endTs should be positive, in epoch milliseconds: was %d", ErrInvalidArgument, endTs)
	}
	if limit <= 0 {
		return QueryRequest{}, fmt.Errorf("%w: limit should be positive: was %d", ErrInvalidArgument, limit)
	}
	for _, annotation := range annotations {
		if annotation == "" {
			return QueryRequest{}, fmt.Errorf("%w: annotation was empty", ErrInvalidArgument)
		}
	}
	for key, value := range binaryAnnotations {
		if key == "" {
			return QueryRequest{}, fmt.Errorf("%w: binary annotation key was empty", ErrInvalidArgument)
		}
		if value == "" {
			return QueryRequest{}, fmt.Errorf("%w: binary annotation value for %q was empty", ErrInvalidArgument, key)
		}
	}

	req := QueryRequest{
		serviceName: strings.ToLower(serviceName),
		endTs:       endTs,
		lookback:    lookback,
		limit:       limit,
	}
	if spanName != nil {
		lowered := strings.ToLower(*spanName)
		req.spanName = &lowered
	}
	if len(annotations) > 0 {
		req.annotations = make([]string, len(annotations))
		copy(req.annotations, annotations)
	}
	if len(binaryAnnotations) > 0 {
		req.binaryAnnotations = make(map[string]string, len(binaryAnnotations))
		for k, v := range binaryAnnotations {
			req.binaryAnnotations[k] = v
		}
	}
	if minDuration != nil {
		d := *minDuration
		req.minDuration = &d
	}
	if maxDuration != nil {
		d := *maxDuration
		req.maxDuration = &d
	}
	return req, nil
}

// ServiceName is the mandatory service constraint, always lower-cased.
func (r QueryRequest) ServiceName() string { return r.serviceName }

// SpanName returns the span name constraint, lower-cased, and whether one was
// set.
func (r QueryRequest) SpanName() (string, bool) {
	if r.spanName == nil {
		return "", false
	}
	return *r.spanName, true
}

// Annotations returns the annotation values a matching trace must contain.
// This is an AND condition against the set, as well against
// BinaryAnnotations.
func (r QueryRequest) Annotations() []string {
	if len(r.annotations) == 0 {
		return nil
	}
	out := make([]string, len(r.annotations))
	copy(out, r.annotations)
	return out
}

// BinaryAnnotations returns the key/value pairs a matching trace must
// contain. This is an AND condition against the set, as well against
// Annotations.
func (r QueryRequest) BinaryAnnotations() map[string]string {
	if len(r.binaryAnnotations) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.binaryAnnotations))
	for k, v := range r.binaryAnnotations {
		out[k] = v
	}
	return out
}

// MinDuration returns the lower duration bound in microseconds and whether
// one was set.
func (r QueryRequest) MinDuration() (uint64, bool) {
	if r.minDuration == nil {
		return 0, false
	}
	return *r.minDuration, true
}

// MaxDuration returns the upper duration bound in microseconds and whether
// one was set. Only meaningful together with MinDuration; the query engine
// ignores it otherwise.
func (r QueryRequest) MaxDuration() (uint64, bool) {
	if r.maxDuration == nil {
		return 0, false
	}
	return *r.maxDuration, true
}

// EndTs is the end of the query window in epoch milliseconds.
func (r QueryRequest) EndTs() int64 { return r.endTs }

// Lookback is the length of the query window in milliseconds, looking
// backward from EndTs. Never exceeds EndTs.
func (r QueryRequest) Lookback() int64 { return r.lookback }

// Limit is the maximum number of traces to return.
func (r QueryRequest) Limit() int { return r.limit }

// Equal reports whether every field of o compares equal to r. Annotation
// order is significant; binary annotations compare pair-wise.
func (r QueryRequest) Equal(o QueryRequest) bool {
	if r.serviceName != o.serviceName ||
		r.endTs != o.endTs ||
		r.lookback != o.lookback ||
		r.limit != o.limit {
		return false
	}
	if !equalOptionalString(r.spanName, o.spanName) {
		return false
	}
	if !equalOptionalUint64(r.minDuration, o.minDuration) ||
		!equalOptionalUint64(r.maxDuration, o.maxDuration) {
		return false
	}
	if len(r.annotations) != len(o.annotations) {
		return false
	}
	for i := range r.annotations {
		if r.annotations[i] != o.annotations[i] {
			return false
		}
	}
	if len(r.binaryAnnotations) != len(o.binaryAnnotations) {
		return false
	}
	for k, v := range r.binaryAnnotations {
		ov, ok := o.binaryAnnotations[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// hash field separator and absent-field sentinel. Writing the sentinel for
// unset optional fields keeps the hash consistent with Equal.
const (
	hashSep    = "\x00"
	hashAbsent = "\xff"
)

// Hash returns a digest of all fields, consistent with Equal: equal requests
// hash equal. Binary annotations are folded in sorted-key order so the result
// is deterministic.
func (r QueryRequest) Hash() uint64 {
	h := xxhash.New()
	writeHashString(h, r.serviceName)
	if r.spanName == nil {
		_, _ = h.WriteString(hashAbsent)
	} else {
		writeHashString(h, *r.spanName)
	}
	writeHashInt(h, int64(len(r.annotations)))
	for _, a := range r.annotations {
		writeHashString(h, a)
	}
	keys := make([]string, 0, len(r.binaryAnnotations))
	for k := range r.binaryAnnotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeHashInt(h, int64(len(keys)))
	for _, k := range keys {
		writeHashString(h, k)
		writeHashString(h, r.binaryAnnotations[k])
	}
	writeHashOptionalUint64(h, r.minDuration)
	writeHashOptionalUint64(h, r.maxDuration)
	writeHashInt(h, r.endTs)
	writeHashInt(h, r.lookback)
	writeHashInt(h, int64(r.limit))
	return h.Sum64()
}

func writeHashString(h *xxhash.Digest, s string) {
	_, _ = h.WriteString(s)
	_, _ = h.WriteString(hashSep)
}

func writeHashInt(h *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

func writeHashOptionalUint64(h *xxhash.Digest, v *uint64) {
	if v == nil {
		_, _ = h.WriteString(hashAbsent)
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], *v)
	_, _ = h.Write(buf[:])
}

// String renders all fields for diagnostics. Not a parseable format and not
// stable across versions.
func (r QueryRequest) String() string {
	spanName := "<nil>"
	if r.spanName != nil {
		spanName = *r.spanName
	}
	minDuration := "<nil>"
	if r.minDuration != nil {
		minDuration = fmt.Sprintf("%d", *r.minDuration)
	}
	maxDuration := "<nil>"
	if r.maxDuration != nil {
		maxDuration = fmt.Sprintf("%d", *r.maxDuration)
	}
	return fmt.Sprintf("QueryRequest{serviceName=%s, spanName=%s, annotations=%v, binaryAnnotations=%v, minDuration=%s, maxDuration=%s, endTs=%d, lookback=%d, limit=%d}",
		r.serviceName, spanName, r.annotations, r.binaryAnnotations, minDuration, maxDuration, r.endTs, r.lookback, r.limit)
}

func equalOptionalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalOptionalUint64(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Builder accumulates filter dimensions for a QueryRequest. Setters never
// validate; all validation happens in Build. A Builder is for single-goroutine
// use during assembly.
type Builder struct {
	serviceName       string
	spanName          *string
	annotations       []string
	binaryAnnotations map[string]string
	minDuration       *uint64
	maxDuration       *uint64
	endTs             *int64
	lookback          *int64
	limit             *int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{binaryAnnotations: map[string]string{}}
}

// ToBuilder seeds a Builder with every field of r, so that Build without
// further mutation reproduces an equal request.
func (r QueryRequest) ToBuilder() *Builder {
	b := NewBuilder()
	b.serviceName = r.serviceName
	if r.spanName != nil {
		s := *r.spanName
		b.spanName = &s
	}
	b.annotations = r.Annotations()
	for k, v := range r.binaryAnnotations {
		b.AddBinaryAnnotation(k, v)
	}
	if r.minDuration != nil {
		d := *r.minDuration
		b.minDuration = &d
	}
	if r.maxDuration != nil {
		d := *r.maxDuration
		b.maxDuration = &d
	}
	endTs, lookback, limit := r.endTs, r.lookback, r.limit
	b.endTs, b.lookback, b.limit = &endTs, &lookback, &limit
	return b
}

// ServiceName sets the mandatory service constraint, replacing any prior
// value.
func (b *Builder) ServiceName(serviceName string) *Builder {
	b.serviceName = serviceName
	return b
}

// SpanName sets the span name constraint, replacing any prior value.
func (b *Builder) SpanName(spanName string) *Builder {
	b.spanName = &spanName
	return b
}

// AddAnnotation appends an annotation value the matching traces must contain.
func (b *Builder) AddAnnotation(annotation string) *Builder {
	b.annotations = append(b.annotations, annotation)
	return b
}

// AddBinaryAnnotation adds a key/value pair the matching traces must contain.
// Re-adding a key replaces its value.
func (b *Builder) AddBinaryAnnotation(key, value string) *Builder {
	b.binaryAnnotations[key] = value
	return b
}

// MinDuration sets the lower duration bound in microseconds.
func (b *Builder) MinDuration(us uint64) *Builder {
	b.minDuration = &us
	return b
}

// MaxDuration sets the upper duration bound in microseconds.
func (b *Builder) MaxDuration(us uint64) *Builder {
	b.maxDuration = &us
	return b
}

// EndTs sets the end of the query window in epoch milliseconds.
func (b *Builder) EndTs(ms int64) *Builder {
	b.endTs = &ms
	return b
}

// Lookback sets the window length in milliseconds.
func (b *Builder) Lookback(ms int64) *Builder {
	b.lookback = &ms
	return b
}

// Limit sets the maximum number of traces to return.
func (b *Builder) Limit(limit int) *Builder {
	b.limit = &limit
	return b
}

// Build applies defaults and constructs the QueryRequest, propagating any
// validation failure unchanged.
//
// When endTs is unset it defaults to time.Now().UnixMilli() * 1000. The extra
// factor of 1000 is historical; deployed query engines are tuned to it, so it
// is preserved rather than corrected to plain milliseconds. Lookback defaults
// to endTs and is always clamped to min(lookback, endTs) so the window never
// starts before the epoch.
func (b *Builder) Build() (QueryRequest, error) {
	endTs := time.Now().UnixMilli() * 1000
	if b.endTs != nil {
		endTs = *b.endTs
	}
	lookback := endTs
	if b.lookback != nil {
		lookback = *b.lookback
	}
	if lookback > endTs {
		lookback = endTs
	}
	limit := 10
	if b.limit != nil {
		limit = *b.limit
	}
	return newQueryRequest(
		b.serviceName,
		b.spanName,
		b.annotations,
		b.binaryAnnotations,
		b.minDuration,
		b.maxDuration,
		endTs,
		lookback,
		limit,
	)
}
