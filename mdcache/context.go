package mdcache

import "context"

// opCtxKey is unexported so OpContext can only be retrieved through
// WithOpContext/opContextFrom.
type opCtxKey struct{}

// OpContext replaces the reference implementation's thread-local
// current-operation pointer (spec §9 design notes: "the thread-local
// current-operation pointer should be replaced by an explicit context
// value passed to every cache operation"). It names the export and
// caller identity for a single request.
type OpContext struct {
	Export *Export
	UID    uint32
	GID    uint32
}

// WithOpContext returns a context carrying opCtx, retrievable by every
// cache operation that needs to know the current export.
func WithOpContext(ctx context.Context, opCtx *OpContext) context.Context {
	return context.WithValue(ctx, opCtxKey{}, opCtx)
}

func opContextFrom(ctx context.Context) (*OpContext, error) {
	v, _ := ctx.Value(opCtxKey{}).(*OpContext)
	if v == nil || v.Export == nil {
		return nil, newErrf(KindInval, "no operation context bound to this call")
	}
	return v, nil
}
