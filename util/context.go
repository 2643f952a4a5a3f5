package util

import "context"

type contextKey string

const (
	SourceKey    contextKey = "source"
	RequestIDKey contextKey = "requestID"
	OwnerKey     contextKey = "owner"
	AppKey       contextKey = "app"
)

// WithSource tags the context with the component that produced the log entries
func WithSource(ctx context.Context, source LogSource) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// WithOwner stores the signing key public key that the work is carried out for
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

// WithApp stores the client application public key
func WithApp(ctx context.Context, app string) context.Context {
	return context.WithValue(ctx, AppKey, app)
}

// WithRequestID stores the id of the API request being served
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
