package core

import (
	"context"
	"log/slog"
	"time"
)

// LogAttrs returns the slog attributes describing the request carried by ctx. Values missing from
// the context are left out.
func LogAttrs(ctx context.Context, options ...func(ctx context.Context, attrs []any) []any) []any {
	attrs := make([]any, 0, 8)
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("request_id", id.String()))
	}
	if host, ok := InboundHostFromContext(ctx); ok {
		attrs = append(attrs, slog.String("host", host))
	}
	if suffix, ok := PathSuffixFromContext(ctx); ok {
		attrs = append(attrs, slog.String("path", suffix))
	}
	for _, option := range options {
		attrs = option(ctx, attrs)
	}
	return attrs
}

// LogWithElapsed is an option that adds the time between the request and response timestamps.
func LogWithElapsed() func(ctx context.Context, attrs []any) []any {
	return func(ctx context.Context, attrs []any) []any {
		requested, ok := RequestTimeFromContext(ctx)
		if !ok {
			return attrs
		}
		responded, ok := ResponseTimeFromContext(ctx)
		if !ok {
			return attrs
		}
		return append(attrs, slog.Duration("elapsed", responded.Sub(requested).Round(time.Millisecond)))
	}
}

// LogWithError is an option that adds err under the "error" key.
func LogWithError(err error) func(ctx context.Context, attrs []any) []any {
	return func(ctx context.Context, attrs []any) []any {
		if err == nil {
			return attrs
		}
		return append(attrs, slog.String("error", err.Error()))
	}
}
