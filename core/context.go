// Package core provides the request-scoped context helpers shared by the gateway modifiers.
package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDKey is the context key for the request ID (uuid.UUID). It is used for logging only and is never forwarded
	RequestIDKey contextKey = "RequestID"
	// InboundHostKey is the context key for the host (string) the inbound request was addressed to
	InboundHostKey contextKey = "InboundHost"
	// PathSuffixKey is the context key for the wildcard path suffix (string) after the public prefix
	PathSuffixKey contextKey = "PathSuffix"
	// InboundQueryKey is the context key for the raw inbound query string (string)
	InboundQueryKey contextKey = "InboundQuery"
	// RequestTimeKey is the context key for the time (time.Time) the outbound request was prepared
	RequestTimeKey contextKey = "RequestTime"
	// ResponseTimeKey is the context key for the time (time.Time) the outbound response was received
	ResponseTimeKey contextKey = "ResponseTime"
)

// ContextWithRequestID returns a new request with a request ID in the context
func ContextWithRequestID(req *http.Request, requestID uuid.UUID) *http.Request {
	ctx := context.WithValue(req.Context(), RequestIDKey, requestID)
	return req.WithContext(ctx)
}

// RequestIDFromContext returns the request ID from the context if it exists
func RequestIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(RequestIDKey).(uuid.UUID)
	return id, ok
}

// ContextWithInboundHost returns a new request with the inbound host in the context
func ContextWithInboundHost(req *http.Request, host string) *http.Request {
	ctx := context.WithValue(req.Context(), InboundHostKey, host)
	return req.WithContext(ctx)
}

// InboundHostFromContext returns the inbound host from the context if it exists
func InboundHostFromContext(ctx context.Context) (string, bool) {
	host, ok := ctx.Value(InboundHostKey).(string)
	return host, ok
}

// ContextWithPathSuffix returns a new request with the wildcard path suffix in the context
func ContextWithPathSuffix(req *http.Request, suffix string) *http.Request {
	ctx := context.WithValue(req.Context(), PathSuffixKey, suffix)
	return req.WithContext(ctx)
}

// PathSuffixFromContext returns the wildcard path suffix from the context if it exists
func PathSuffixFromContext(ctx context.Context) (string, bool) {
	suffix, ok := ctx.Value(PathSuffixKey).(string)
	return suffix, ok
}

// ContextWithInboundQuery returns a new request with the raw inbound query in the context
func ContextWithInboundQuery(req *http.Request, rawQuery string) *http.Request {
	ctx := context.WithValue(req.Context(), InboundQueryKey, rawQuery)
	return req.WithContext(ctx)
}

// InboundQueryFromContext returns the raw inbound query from the context if it exists
func InboundQueryFromContext(ctx context.Context) (string, bool) {
	rawQuery, ok := ctx.Value(InboundQueryKey).(string)
	return rawQuery, ok
}

// ContextWithRequestTime returns a new request with the request time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	ctx := context.WithValue(req.Context(), RequestTimeKey, requestTime)
	return req.WithContext(ctx)
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithResponseTime returns a new request with the response time in the context
func ContextWithResponseTime(req *http.Request, responseTime time.Time) *http.Request {
	ctx := context.WithValue(req.Context(), ResponseTimeKey, responseTime)
	return req.WithContext(ctx)
}

// ResponseTimeFromContext returns the response time from the context if it exists
func ResponseTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(ResponseTimeKey).(time.Time)
	return timestamp, ok
}
