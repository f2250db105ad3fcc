package session

import "context"

type bundleKey struct{}

// WithBundle attaches a Bundle to ctx for a single outbound call, mirroring
// the credential-override pattern used elsewhere in this module: the
// Router resolves a Bundle (pool selection + store lookup) once per
// request and hands it to the provider adapter through context rather
// than widening every Provider method signature.
func WithBundle(ctx context.Context, b Bundle) context.Context {
	return context.WithValue(ctx, bundleKey{}, b)
}

// BundleFromContext retrieves the Bundle attached by WithBundle.
func BundleFromContext(ctx context.Context) (Bundle, bool) {
	v := ctx.Value(bundleKey{})
	if v == nil {
		return Bundle{}, false
	}
	b, ok := v.(Bundle)
	return b, ok
}
