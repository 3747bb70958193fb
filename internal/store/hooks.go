package store

import (
	"context"
	"time"

	"github.com/kannelcore/bearerbox/internal/blog"
)

type ctxKey string

const ctxKeyBegin ctxKey = "begin"

// sqlHooks satisfies sqlhooks.Hooks, logging every statement the side-index
// runs against sqlite at debug level.
type sqlHooks struct{}

func (h *sqlHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	blog.Debugf("store/index: query %s %q", query, args)
	return context.WithValue(ctx, ctxKeyBegin, time.Now()), nil
}

func (h *sqlHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(ctxKeyBegin).(time.Time); ok {
		blog.Debugf("store/index: took %s", time.Since(begin))
	}
	return ctx, nil
}
