package ctxutil

import "context"

type requestIDKey struct{}

// WithRequestID stashes the request id minted for (or handed to) an HTTP
// request so downstream calls and logs can carry it.
func WithRequestID(ctx context.Context, reqid string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, reqid)
}

func GetRequestID(ctx context.Context) string {
	if reqid, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqid
	}
	return ""
}
