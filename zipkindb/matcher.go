package zipkindb

import (
	"github.com/zhangweixin/zipkin/pkg/model"
	"github.com/zhangweixin/zipkin/pkg/query"
)

// matchesTrace applies the filter dimensions evaluated in memory: the service
// constraint, the annotation set and the binary annotation set. The sets are
// conjunctive with each other and within themselves: every listed annotation
// value and every key/value pair must appear in at least one span of the
// trace. Both sides are already lower-cased, so comparison is exact.
func matchesTrace(req query.QueryRequest, trace model.Trace) bool {
	if !traceHasService(trace, req.ServiceName()) {
		return false
	}
	for _, value := range req.Annotations() {
		if !traceHasAnnotation(trace, value) {
			return false
		}
	}
	for key, value := range req.BinaryAnnotations() {
		if !traceHasBinaryAnnotation(trace, key, value) {
			return false
		}
	}
	return true
}

func traceHasService(trace model.Trace, serviceName string) bool {
	for _, span := range trace {
		for _, a := range span.Annotations {
			if a.ServiceName == serviceName {
				return true
			}
		}
		for _, b := range span.BinaryAnnotations {
			if b.ServiceName == serviceName {
				return true
			}
		}
	}
	return false
}

func traceHasAnnotation(trace model.Trace, value string) bool {
	for _, span := range trace {
		for _, a := range span.Annotations {
			if a.Value == value {
				return true
			}
		}
	}
	return false
}

func traceHasBinaryAnnotation(trace model.Trace, key, value string) bool {
	for _, span := range trace {
		for _, b := range span.BinaryAnnotations {
			if b.Key == key && b.Value == value {
				return true
			}
		}
	}
	return false
}
