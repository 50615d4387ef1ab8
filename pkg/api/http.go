// Package api converts between http query parameters and the query filter
// model. It defines no wire format of its own: every parameter feeds a
// query.Builder so that defaulting and validation live in one place.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logfmt/logfmt"
	"github.com/gorilla/mux"

	"github.com/zhangweixin/zipkin/pkg/query"
	"github.com/zhangweixin/zipkin/pkg/util"
)

const (
	URLParamTraceID = "traceID"

	// trace query
	urlParamServiceName     = "serviceName"
	urlParamSpanName        = "spanName"
	urlParamAnnotationQuery = "annotationQuery"
	urlParamMinDuration     = "minDuration"
	urlParamMaxDuration     = "maxDuration"
	urlParamEndTs           = "endTs"
	urlParamLookback        = "lookback"
	urlParamLimit           = "limit"

	PathTraces    = "/api/v1/traces"
	PathTraceByID = "/api/v1/trace/{" + URLParamTraceID + "}"
	PathServices  = "/api/v1/services"
)

// ParseTraceID reads the {traceID} path variable as a 64-bit hex id.
func ParseTraceID(r *http.Request) (int64, error) {
	vars := mux.Vars(r)
	traceID, ok := vars[URLParamTraceID]
	if !ok {
		return 0, fmt.Errorf("please provide a traceID")
	}

	id, err := util.HexStringToTraceID(traceID)
	if err != nil {
		return 0, err
	}

	return id, nil
}

// ParseQueryRequest takes an http.Request and decodes query params to create
// a query.QueryRequest.
//
// annotationQuery is logfmt encoded: bare keys become annotations, key=value
// pairs become binary annotations. minDuration and maxDuration accept Go
// duration strings ("100ms") and are carried in microseconds. Omitted endTs,
// lookback and limit fall to the builder's defaults.
func ParseQueryRequest(r *http.Request) (query.QueryRequest, error) {
	b := query.NewBuilder()

	if s, ok := extractQueryParam(r, urlParamServiceName); ok {
		b.ServiceName(s)
	}

	if s, ok := extractQueryParam(r, urlParamSpanName); ok {
		b.SpanName(s)
	}

	if encoded, ok := extractQueryParam(r, urlParamAnnotationQuery); ok {
		if err := decodeAnnotationQuery(encoded, b); err != nil {
			return query.QueryRequest{}, err
		}
	}

	var minDuration time.Duration
	if s, ok := extractQueryParam(r, urlParamMinDuration); ok {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return query.QueryRequest{}, fmt.Errorf("invalid minDuration: %w", err)
		}
		if dur <= 0 {
			return query.QueryRequest{}, errors.New("invalid minDuration: must be a positive duration")
		}
		minDuration = dur
		b.MinDuration(uint64(dur.Microseconds()))
	}

	if s, ok := extractQueryParam(r, urlParamMaxDuration); ok {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return query.QueryRequest{}, fmt.Errorf("invalid maxDuration: %w", err)
		}
		if dur <= 0 {
			return query.QueryRequest{}, errors.New("invalid maxDuration: must be a positive duration")
		}
		if minDuration != 0 && dur < minDuration {
			return query.QueryRequest{}, errors.New("invalid maxDuration: must be greater than minDuration")
		}
		b.MaxDuration(uint64(dur.Microseconds()))
	}

	if s, ok := extractQueryParam(r, urlParamEndTs); ok {
		endTs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return query.QueryRequest{}, fmt.Errorf("invalid endTs: %w", err)
		}
		b.EndTs(endTs)
	}

	if s, ok := extractQueryParam(r, urlParamLookback); ok {
		lookback, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return query.QueryRequest{}, fmt.Errorf("invalid lookback: %w", err)
		}
		b.Lookback(lookback)
	}

	if s, ok := extractQueryParam(r, urlParamLimit); ok {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return query.QueryRequest{}, fmt.Errorf("invalid limit: %w", err)
		}
		b.Limit(limit)
	}

	return b.Build()
}

func decodeAnnotationQuery(encoded string, b *query.Builder) error {
	seen := map[string]struct{}{}
	decoder := logfmt.NewDecoder(strings.NewReader(encoded))

	for decoder.ScanRecord() {
		for decoder.ScanKeyval() {
			key := string(decoder.Key())
			value := decoder.Value()
			if len(value) == 0 {
				b.AddAnnotation(key)
				continue
			}
			if _, ok := seen[key]; ok {
				return fmt.Errorf("invalid annotationQuery: key %s has been set twice", key)
			}
			seen[key] = struct{}{}
			b.AddBinaryAnnotation(key, string(value))
		}
	}

	if err := decoder.Err(); err != nil {
		var syntaxErr *logfmt.SyntaxError
		if ok := errors.As(err, &syntaxErr); ok {
			return fmt.Errorf("invalid annotationQuery: %s at pos %d", syntaxErr.Msg, syntaxErr.Pos)
		}
		return fmt.Errorf("invalid annotationQuery: %w", err)
	}

	return nil
}

// BuildQueryRequest takes a query.QueryRequest and populates the passed
// http.Request with the appropriate params. If no http.Request is provided a
// new one is created.
func BuildQueryRequest(req *http.Request, qr query.QueryRequest) (*http.Request, error) {
	if req == nil {
		req = &http.Request{
			URL: &url.URL{},
		}
	}

	q := req.URL.Query()
	q.Set(urlParamServiceName, qr.ServiceName())
	if spanName, ok := qr.SpanName(); ok {
		q.Set(urlParamSpanName, spanName)
	}
	q.Set(urlParamEndTs, strconv.FormatInt(qr.EndTs(), 10))
	q.Set(urlParamLookback, strconv.FormatInt(qr.Lookback(), 10))
	q.Set(urlParamLimit, strconv.Itoa(qr.Limit()))
	if min, ok := qr.MinDuration(); ok {
		q.Set(urlParamMinDuration, strconv.FormatUint(min, 10)+"us")
	}
	if max, ok := qr.MaxDuration(); ok {
		q.Set(urlParamMaxDuration, strconv.FormatUint(max, 10)+"us")
	}

	if encoded, err := encodeAnnotationQuery(qr); err != nil {
		return nil, err
	} else if encoded != "" {
		q.Set(urlParamAnnotationQuery, encoded)
	}

	req.URL.RawQuery = q.Encode()

	return req, nil
}

func encodeAnnotationQuery(qr query.QueryRequest) (string, error) {
	annotations := qr.Annotations()
	binaryAnnotations := qr.BinaryAnnotations()
	if len(annotations) == 0 && len(binaryAnnotations) == 0 {
		return "", nil
	}

	builder := &strings.Builder{}
	encoder := logfmt.NewEncoder(builder)

	for _, a := range annotations {
		if err := encoder.EncodeKeyval(a, ""); err != nil {
			return "", err
		}
	}

	keys := make([]string, 0, len(binaryAnnotations))
	for k := range binaryAnnotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := encoder.EncodeKeyval(k, binaryAnnotations[k]); err != nil {
			return "", err
		}
	}

	return builder.String(), nil
}

func extractQueryParam(r *http.Request, param string) (string, bool) {
	value := r.URL.Query().Get(param)
	return value, value != ""
}
