package app

import "context"

type ctxKey struct{}

// Into returns a context carrying the app. Runners restore the app on the
// contexts they hand to background and queued executions, so resolution
// never depends on goroutine-local state.
func Into(ctx context.Context, a *App) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the app carried by the context, if any.
func FromContext(ctx context.Context) (*App, bool) {
	a, ok := ctx.Value(ctxKey{}).(*App)
	return a, ok
}

// MustFromContext returns the app carried by the context and panics when it
// is absent. Used at entry points that cannot proceed without an app.
func MustFromContext(ctx context.Context) *App {
	a, ok := FromContext(ctx)
	if !ok {
		panic("app: context does not carry an app")
	}
	return a
}
