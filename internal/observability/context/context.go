package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	tenantIDKey  ctxKey = "tenant_id"
	userIDKey    ctxKey = "user_id"
)

func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return valueFrom(ctx, requestIDKey)
}

// WithIdentity records the caller's tenant and user for log enrichment.
func WithIdentity(ctx stdcontext.Context, tenantID, userID string) stdcontext.Context {
	ctx = withValue(ctx, tenantIDKey, tenantID)
	return withValue(ctx, userIDKey, userID)
}

func IdentityFromContext(ctx stdcontext.Context) (tenantID, userID string) {
	return valueFrom(ctx, tenantIDKey), valueFrom(ctx, userIDKey)
}

func withValue(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	value = strings.TrimSpace(value)
	if ctx == nil || value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func valueFrom(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
